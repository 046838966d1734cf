package liquidpledging

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"pledgecache/internal/chain"
)

// PledgeState is the payment phase of a pledge.
type PledgeState uint8

const (
	Pledged PledgeState = iota
	Paying
	Paid
)

func (s PledgeState) String() string {
	switch s {
	case Pledged:
		return "Pledged"
	case Paying:
		return "Paying"
	case Paid:
		return "Paid"
	default:
		return fmt.Sprintf("PledgeState(%d)", uint8(s))
	}
}

// AdminType is the kind of a registered pledge admin.
type AdminType uint8

const (
	AdminGiver AdminType = iota
	AdminDelegate
	AdminProject
)

func (t AdminType) String() string {
	switch t {
	case AdminGiver:
		return "Giver"
	case AdminDelegate:
		return "Delegate"
	case AdminProject:
		return "Project"
	default:
		return fmt.Sprintf("AdminType(%d)", uint8(t))
	}
}

// Pledge is the on-chain state of one pledge position.
type Pledge struct {
	ID              uint64
	Amount          *big.Int
	Owner           uint64
	NDelegates      uint64
	IntendedProject uint64
	CommitTime      uint64
	OldPledge       uint64
	Token           common.Address
	State           PledgeState
}

// PledgeAdmin is the on-chain registration of a giver, delegate or project.
type PledgeAdmin struct {
	ID            uint64
	Type          AdminType
	Addr          common.Address
	Name          string
	URL           string
	CommitTime    uint64
	ParentProject uint64
	Canceled      bool
	Plugin        common.Address
}

// Delegate is one entry of a pledge's delegation chain.
type Delegate struct {
	ID   uint64
	Addr common.Address
	Name string
}

// Caller is the subset of the chain client the contract reader needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BatchCall(ctx context.Context, reqs []chain.CallRequest) ([]chain.CallResult, error)
}

// Contract reads pledge state from the deployed contract.
type Contract struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
}

func NewContract(caller Caller, address common.Address) (*Contract, error) {
	if caller == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	parsed, err := LiquidPledgingABI()
	if err != nil {
		return nil, fmt.Errorf("parse liquid pledging abi: %w", err)
	}
	return &Contract{caller: caller, address: address, abi: parsed}, nil
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.address, Data: data}
	resp, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return resp, nil
}

type rawPledge struct {
	Amount          *big.Int
	Owner           uint64
	NDelegates      uint64
	IntendedProject uint64
	CommitTime      uint64
	OldPledge       uint64
	Token           common.Address
	PledgeState     uint8
}

func (c *Contract) GetPledge(ctx context.Context, id uint64) (Pledge, error) {
	resp, err := c.call(ctx, "getPledge", id)
	if err != nil {
		return Pledge{}, err
	}
	return c.unpackPledge(id, resp)
}

func (c *Contract) unpackPledge(id uint64, resp []byte) (Pledge, error) {
	var raw rawPledge
	if err := c.abi.UnpackIntoInterface(&raw, "getPledge", resp); err != nil {
		return Pledge{}, fmt.Errorf("unpack getPledge: %w", err)
	}
	return Pledge{
		ID:              id,
		Amount:          raw.Amount,
		Owner:           raw.Owner,
		NDelegates:      raw.NDelegates,
		IntendedProject: raw.IntendedProject,
		CommitTime:      raw.CommitTime,
		OldPledge:       raw.OldPledge,
		Token:           raw.Token,
		State:           PledgeState(raw.PledgeState),
	}, nil
}

// GetPledges fetches many pledges in one batch. A failed call fails the whole lookup.
func (c *Contract) GetPledges(ctx context.Context, ids []uint64) ([]Pledge, error) {
	reqs := make([]chain.CallRequest, 0, len(ids))
	for _, id := range ids {
		data, err := c.abi.Pack("getPledge", id)
		if err != nil {
			return nil, fmt.Errorf("pack getPledge: %w", err)
		}
		reqs = append(reqs, chain.CallRequest{To: c.address, Data: data})
	}
	results, err := c.caller.BatchCall(ctx, reqs)
	if err != nil {
		return nil, err
	}
	if len(results) != len(ids) {
		return nil, fmt.Errorf("batch returned %d results for %d pledges", len(results), len(ids))
	}

	out := make([]Pledge, 0, len(ids))
	for i, res := range results {
		if res.Err != nil {
			return nil, fmt.Errorf("getPledge %d: %w", ids[i], res.Err)
		}
		pledge, err := c.unpackPledge(ids[i], res.Data)
		if err != nil {
			return nil, fmt.Errorf("pledge %d: %w", ids[i], err)
		}
		out = append(out, pledge)
	}
	return out, nil
}

type rawAdmin struct {
	AdminType     uint8
	Addr          common.Address
	Name          string
	Url           string
	CommitTime    uint64
	ParentProject uint64
	Canceled      bool
	Plugin        common.Address
}

func (c *Contract) GetPledgeAdmin(ctx context.Context, id uint64) (PledgeAdmin, error) {
	resp, err := c.call(ctx, "getPledgeAdmin", id)
	if err != nil {
		return PledgeAdmin{}, err
	}
	var raw rawAdmin
	if err := c.abi.UnpackIntoInterface(&raw, "getPledgeAdmin", resp); err != nil {
		return PledgeAdmin{}, fmt.Errorf("unpack getPledgeAdmin: %w", err)
	}
	return PledgeAdmin{
		ID:            id,
		Type:          AdminType(raw.AdminType),
		Addr:          raw.Addr,
		Name:          raw.Name,
		URL:           raw.Url,
		CommitTime:    raw.CommitTime,
		ParentProject: raw.ParentProject,
		Canceled:      raw.Canceled,
		Plugin:        raw.Plugin,
	}, nil
}

// GetPledgeDelegate returns the delegate at 1-based position idx.
func (c *Contract) GetPledgeDelegate(ctx context.Context, pledgeID, idx uint64) (Delegate, error) {
	resp, err := c.call(ctx, "getPledgeDelegate", pledgeID, idx)
	if err != nil {
		return Delegate{}, err
	}
	var raw struct {
		IdDelegate uint64
		Addr       common.Address
		Name       string
	}
	if err := c.abi.UnpackIntoInterface(&raw, "getPledgeDelegate", resp); err != nil {
		return Delegate{}, fmt.Errorf("unpack getPledgeDelegate: %w", err)
	}
	return Delegate{ID: raw.IdDelegate, Addr: raw.Addr, Name: raw.Name}, nil
}

func (c *Contract) IsProjectCanceled(ctx context.Context, id uint64) (bool, error) {
	resp, err := c.call(ctx, "isProjectCanceled", id)
	if err != nil {
		return false, err
	}
	values, err := c.abi.Unpack("isProjectCanceled", resp)
	if err != nil {
		return false, fmt.Errorf("unpack isProjectCanceled: %w", err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unexpected isProjectCanceled values: %d", len(values))
	}
	canceled, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unsupported bool type %T", values[0])
	}
	return canceled, nil
}

// NumberOfPledges returns the highest pledge id.
func (c *Contract) NumberOfPledges(ctx context.Context) (uint64, error) {
	resp, err := c.call(ctx, "numberOfPledges")
	if err != nil {
		return 0, err
	}
	values, err := c.abi.Unpack("numberOfPledges", resp)
	if err != nil {
		return 0, fmt.Errorf("unpack numberOfPledges: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("unexpected numberOfPledges values: %d", len(values))
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unsupported int type %T", values[0])
	}
	return n.Uint64(), nil
}
