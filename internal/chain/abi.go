package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI fragments for the two contracts this service talks to. The full ABIs
// are versioned with the contract repo; only the events and functions the
// core consumes are included here.

const marketABIJSON = `[
  {"type":"event","name":"OrderPlaced","inputs":[
    {"name":"orderId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"isBuy","type":"bool","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"price","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"OrderCancelled","inputs":[
    {"name":"orderId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true}],"anonymous":false},
  {"type":"event","name":"TransactionCompleted","inputs":[
    {"name":"buyOrderId","type":"uint256","indexed":true},
    {"name":"sellOrderId","type":"uint256","indexed":true},
    {"name":"buyer","type":"address","indexed":false},
    {"name":"seller","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"price","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"function","name":"getOrder","stateMutability":"view","inputs":[
    {"name":"orderId","type":"uint256"}],"outputs":[
    {"name":"owner","type":"address"},
    {"name":"isBuy","type":"bool"},
    {"name":"amount","type":"uint256"},
    {"name":"price","type":"uint256"},
    {"name":"status","type":"uint8"}]}
]`

const converterABIJSON = `[
  {"type":"event","name":"SettlementProcessed","inputs":[
    {"name":"meter","type":"address","indexed":true},
    {"name":"mint","type":"bool","indexed":false},
    {"name":"etkAmount","type":"uint256","indexed":false},
    {"name":"success","type":"bool","indexed":false}],"anonymous":false},
  {"type":"function","name":"minimumSettlementWh","stateMutability":"view",
    "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"calculateEtkAmount","stateMutability":"view",
    "inputs":[{"name":"wh","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isAuthorizedMeter","stateMutability":"view",
    "inputs":[{"name":"meter","type":"address"}],
    "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"authorizeMeter","stateMutability":"nonpayable",
    "inputs":[{"name":"meter","type":"address"}],"outputs":[]},
  {"type":"function","name":"processSettlement","stateMutability":"nonpayable",
    "inputs":[
      {"name":"meter","type":"address"},
      {"name":"amountWh","type":"uint256"},
      {"name":"mint","type":"bool"},
      {"name":"idempotencyKey","type":"bytes32"}],"outputs":[]}
]`

// MustMarketABI parses the Market contract ABI. Panics on malformed JSON,
// which can only happen at build time.
func MustMarketABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		panic("chain: market ABI: " + err.Error())
	}
	return parsed
}

// MustConverterABI parses the EnergyConverter contract ABI.
func MustConverterABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(converterABIJSON))
	if err != nil {
		panic("chain: converter ABI: " + err.Error())
	}
	return parsed
}
