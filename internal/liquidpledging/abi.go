package liquidpledging

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const liquidPledgingABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "from", "type": "uint256"},
      {"indexed": true, "name": "to", "type": "uint256"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [{"indexed": true, "name": "idProject", "type": "uint256"}],
    "name": "CancelProject",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idGiver", "type": "uint64"},
      {"indexed": false, "name": "url", "type": "string"}
    ],
    "name": "GiverAdded",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idGiver", "type": "uint64"},
      {"indexed": false, "name": "url", "type": "string"}
    ],
    "name": "GiverUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idDelegate", "type": "uint64"},
      {"indexed": false, "name": "url", "type": "string"}
    ],
    "name": "DelegateAdded",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idDelegate", "type": "uint64"},
      {"indexed": false, "name": "url", "type": "string"}
    ],
    "name": "DelegateUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idProject", "type": "uint64"},
      {"indexed": false, "name": "url", "type": "string"}
    ],
    "name": "ProjectAdded",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idProject", "type": "uint64"},
      {"indexed": false, "name": "url", "type": "string"}
    ],
    "name": "ProjectUpdated",
    "type": "event"
  },
  {
    "constant": true,
    "inputs": [{"name": "idPledge", "type": "uint64"}],
    "name": "getPledge",
    "outputs": [
      {"name": "amount", "type": "uint256"},
      {"name": "owner", "type": "uint64"},
      {"name": "nDelegates", "type": "uint64"},
      {"name": "intendedProject", "type": "uint64"},
      {"name": "commitTime", "type": "uint64"},
      {"name": "oldPledge", "type": "uint64"},
      {"name": "token", "type": "address"},
      {"name": "pledgeState", "type": "uint8"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "constant": true,
    "inputs": [{"name": "idAdmin", "type": "uint64"}],
    "name": "getPledgeAdmin",
    "outputs": [
      {"name": "adminType", "type": "uint8"},
      {"name": "addr", "type": "address"},
      {"name": "name", "type": "string"},
      {"name": "url", "type": "string"},
      {"name": "commitTime", "type": "uint64"},
      {"name": "parentProject", "type": "uint64"},
      {"name": "canceled", "type": "bool"},
      {"name": "plugin", "type": "address"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "constant": true,
    "inputs": [
      {"name": "idPledge", "type": "uint64"},
      {"name": "idxDelegate", "type": "uint64"}
    ],
    "name": "getPledgeDelegate",
    "outputs": [
      {"name": "idDelegate", "type": "uint64"},
      {"name": "addr", "type": "address"},
      {"name": "name", "type": "string"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "constant": true,
    "inputs": [{"name": "projectId", "type": "uint64"}],
    "name": "isProjectCanceled",
    "outputs": [{"name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "constant": true,
    "inputs": [],
    "name": "numberOfPledges",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const vaultABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idPayment", "type": "uint256"},
      {"indexed": true, "name": "ref", "type": "bytes32"},
      {"indexed": true, "name": "dest", "type": "address"},
      {"indexed": false, "name": "token", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "AuthorizePayment",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idPayment", "type": "uint256"},
      {"indexed": true, "name": "ref", "type": "bytes32"}
    ],
    "name": "ConfirmPayment",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "idPayment", "type": "uint256"},
      {"indexed": true, "name": "ref", "type": "bytes32"}
    ],
    "name": "CancelPayment",
    "type": "event"
  }
]`

var (
	liquidPledgingABI     abi.ABI
	liquidPledgingABIOnce sync.Once
	liquidPledgingABIErr  error

	vaultABI     abi.ABI
	vaultABIOnce sync.Once
	vaultABIErr  error
)

// LiquidPledgingABI returns the parsed pledge contract ABI.
func LiquidPledgingABI() (abi.ABI, error) {
	liquidPledgingABIOnce.Do(func() {
		liquidPledgingABI, liquidPledgingABIErr = abi.JSON(strings.NewReader(liquidPledgingABIJSON))
	})
	return liquidPledgingABI, liquidPledgingABIErr
}

// VaultABI returns the parsed vault ABI.
func VaultABI() (abi.ABI, error) {
	vaultABIOnce.Do(func() {
		vaultABI, vaultABIErr = abi.JSON(strings.NewReader(vaultABIJSON))
	})
	return vaultABI, vaultABIErr
}
