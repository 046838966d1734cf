package liquidpledging

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"pledgecache/internal/chain"
)

type stubCaller struct {
	responses map[string][]byte
	batchErr  map[int]error
}

func (s *stubCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	resp, ok := s.responses[string(msg.Data)]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return resp, nil
}

func (s *stubCaller) BatchCall(ctx context.Context, reqs []chain.CallRequest) ([]chain.CallResult, error) {
	out := make([]chain.CallResult, len(reqs))
	for i, req := range reqs {
		if err := s.batchErr[i]; err != nil {
			out[i] = chain.CallResult{Err: err}
			continue
		}
		data, err := s.CallContract(ctx, ethereum.CallMsg{To: &req.To, Data: req.Data}, nil)
		out[i] = chain.CallResult{Data: data, Err: err}
	}
	return out, nil
}

func packPledge(t *testing.T, stub *stubCaller, id uint64, amount int64, owner, nDelegates, intended uint64, state uint8) {
	t.Helper()
	lpABI, err := LiquidPledgingABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	input, err := lpABI.Pack("getPledge", id)
	if err != nil {
		t.Fatalf("pack input: %v", err)
	}
	output, err := lpABI.Methods["getPledge"].Outputs.Pack(
		big.NewInt(amount), owner, nDelegates, intended, uint64(0), uint64(0),
		common.HexToAddress("0x5555555555555555555555555555555555555555"), state,
	)
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	stub.responses[string(input)] = output
}

func TestGetPledge(t *testing.T) {
	stub := &stubCaller{responses: map[string][]byte{}}
	packPledge(t, stub, 6, 100, 3, 1, 0, uint8(Paying))

	contract, err := NewContract(stub, pledgingAddr)
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	pledge, err := contract.GetPledge(context.Background(), 6)
	if err != nil {
		t.Fatalf("get pledge: %v", err)
	}
	if pledge.Amount.Int64() != 100 || pledge.Owner != 3 || pledge.NDelegates != 1 || pledge.State != Paying {
		t.Fatalf("pledge mismatch: %+v", pledge)
	}
}

func TestGetPledgesBatch(t *testing.T) {
	stub := &stubCaller{responses: map[string][]byte{}}
	packPledge(t, stub, 1, 10, 1, 0, 0, 0)
	packPledge(t, stub, 2, 20, 2, 0, 0, 0)

	contract, err := NewContract(stub, pledgingAddr)
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	pledges, err := contract.GetPledges(context.Background(), []uint64{1, 2})
	if err != nil {
		t.Fatalf("get pledges: %v", err)
	}
	if len(pledges) != 2 || pledges[0].Amount.Int64() != 10 || pledges[1].Amount.Int64() != 20 {
		t.Fatalf("pledges mismatch: %+v", pledges)
	}

	stub.batchErr = map[int]error{1: errors.New("reverted")}
	if _, err := contract.GetPledges(context.Background(), []uint64{1, 2}); err == nil {
		t.Fatalf("expected batch error")
	}
}

func TestGetPledgeAdminAndDelegate(t *testing.T) {
	lpABI, err := LiquidPledgingABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	stub := &stubCaller{responses: map[string][]byte{}}
	owner := common.HexToAddress("0x6666666666666666666666666666666666666666")

	input, _ := lpABI.Pack("getPledgeAdmin", uint64(7))
	output, err := lpABI.Methods["getPledgeAdmin"].Outputs.Pack(
		uint8(AdminProject), owner, "Milestone", "ipfs://m", uint64(0), uint64(4), true, common.Address{},
	)
	if err != nil {
		t.Fatalf("pack admin: %v", err)
	}
	stub.responses[string(input)] = output

	input, _ = lpABI.Pack("getPledgeDelegate", uint64(6), uint64(1))
	output, err = lpABI.Methods["getPledgeDelegate"].Outputs.Pack(uint64(2), owner, "DAC")
	if err != nil {
		t.Fatalf("pack delegate: %v", err)
	}
	stub.responses[string(input)] = output

	input, _ = lpABI.Pack("isProjectCanceled", uint64(7))
	output, err = lpABI.Methods["isProjectCanceled"].Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack canceled: %v", err)
	}
	stub.responses[string(input)] = output

	contract, err := NewContract(stub, pledgingAddr)
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	ctx := context.Background()

	admin, err := contract.GetPledgeAdmin(ctx, 7)
	if err != nil {
		t.Fatalf("get admin: %v", err)
	}
	if admin.Type != AdminProject || admin.ParentProject != 4 || !admin.Canceled || admin.URL != "ipfs://m" || admin.Addr != owner {
		t.Fatalf("admin mismatch: %+v", admin)
	}

	delegate, err := contract.GetPledgeDelegate(ctx, 6, 1)
	if err != nil {
		t.Fatalf("get delegate: %v", err)
	}
	if delegate.ID != 2 || delegate.Name != "DAC" {
		t.Fatalf("delegate mismatch: %+v", delegate)
	}

	canceled, err := contract.IsProjectCanceled(ctx, 7)
	if err != nil || !canceled {
		t.Fatalf("canceled mismatch: %v %v", canceled, err)
	}
}
