package liquidpledging

import (
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"pledgecache/internal/model"
)

var (
	pledgingAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	vaultAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestDecodeTransfer(t *testing.T) {
	lpABI, err := LiquidPledgingABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder(pledgingAddr, vaultAddr)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	data, err := lpABI.Events["Transfer"].Inputs.NonIndexed().Pack(big.NewInt(100))
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	log := buildLog(pledgingAddr, lpABI.Events["Transfer"].ID, data, []common.Hash{
		common.BigToHash(big.NewInt(0)),
		common.BigToHash(big.NewInt(5)),
	})

	if !decoder.CanDecode(log) {
		t.Fatalf("expected transfer to be decodable")
	}
	event, err := decoder.Decode(log)
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if event.Kind != model.KindTransfer {
		t.Fatalf("kind mismatch: %s", event.Kind)
	}
	if !reflect.DeepEqual(event.ReturnValues, []string{"0", "5", "100"}) {
		t.Fatalf("return values mismatch: %v", event.ReturnValues)
	}
	if event.ID != model.EventID(log.BlockHash.Hex(), log.TxHash.Hex(), 3) {
		t.Fatalf("id mismatch: %s", event.ID)
	}
	if event.TransactionIndex != 2 || event.BlockNumber != 12345 {
		t.Fatalf("position mismatch: %+v", event)
	}
}

func TestDecodeAdminAdded(t *testing.T) {
	lpABI, err := LiquidPledgingABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder(pledgingAddr, common.Address{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	data, err := lpABI.Events["ProjectAdded"].Inputs.NonIndexed().Pack("ipfs://project")
	if err != nil {
		t.Fatalf("pack project added: %v", err)
	}
	log := buildLog(pledgingAddr, lpABI.Events["ProjectAdded"].ID, data, []common.Hash{
		common.BigToHash(big.NewInt(9)),
	})

	event, err := decoder.Decode(log)
	if err != nil {
		t.Fatalf("decode project added: %v", err)
	}
	if event.Kind != model.KindProjectAdded {
		t.Fatalf("kind mismatch: %s", event.Kind)
	}
	if !reflect.DeepEqual(event.ReturnValues, []string{"9", "ipfs://project"}) {
		t.Fatalf("return values mismatch: %v", event.ReturnValues)
	}
	id, err := ReturnUint(event, 0)
	if err != nil || id != 9 {
		t.Fatalf("return uint mismatch: %d %v", id, err)
	}
}

func TestDecodeAuthorizePayment(t *testing.T) {
	vABI, err := VaultABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder(pledgingAddr, vaultAddr)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	dest := common.HexToAddress("0x4444444444444444444444444444444444444444")
	data, err := vABI.Events["AuthorizePayment"].Inputs.NonIndexed().Pack(token, big.NewInt(250))
	if err != nil {
		t.Fatalf("pack authorize: %v", err)
	}
	ref := common.BigToHash(big.NewInt(17))
	log := buildLog(vaultAddr, vABI.Events["AuthorizePayment"].ID, data, []common.Hash{
		common.BigToHash(big.NewInt(4)),
		ref,
		common.BytesToHash(dest.Bytes()),
	})

	event, err := decoder.Decode(log)
	if err != nil {
		t.Fatalf("decode authorize: %v", err)
	}
	want := []string{"4", ref.Hex(), dest.Hex(), token.Hex(), "250"}
	if !reflect.DeepEqual(event.ReturnValues, want) {
		t.Fatalf("return values mismatch: %v", event.ReturnValues)
	}
	pledgeRef, err := ReturnUint(event, 1)
	if err != nil || pledgeRef != 17 {
		t.Fatalf("ref mismatch: %d %v", pledgeRef, err)
	}
}

func TestCanDecodeRejectsForeignContract(t *testing.T) {
	lpABI, err := LiquidPledgingABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder(pledgingAddr, common.Address{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	log := buildLog(vaultAddr, lpABI.Events["CancelProject"].ID, nil, []common.Hash{common.BigToHash(big.NewInt(1))})
	if decoder.CanDecode(log) {
		t.Fatalf("expected foreign address to be rejected")
	}
	if len(decoder.Topics()) != len(model.AllKinds()) {
		t.Fatalf("topics mismatch: %d", len(decoder.Topics()))
	}
}

func buildLog(address common.Address, topic0 common.Hash, data []byte, indexed []common.Hash) types.Log {
	topics := append([]common.Hash{topic0}, indexed...)
	return types.Log{
		Address:     address,
		Topics:      topics,
		Data:        data,
		BlockNumber: 12345,
		TxHash:      common.HexToHash("0xdef"),
		TxIndex:     2,
		BlockHash:   common.HexToHash("0xabc"),
		Index:       3,
	}
}
