package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	fpmath "GridSettle/internal/math"
	"GridSettle/internal/observability"
)

// Client wraps the JSON-RPC connection and the two contract handles.
// It is constructed once at startup and passed by reference to every
// component; there is no module-level singleton.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int

	marketAddr    common.Address
	converterAddr common.Address
	marketABI     abi.ABI
	converterABI  abi.ABI

	callTimeout time.Duration
	gasLimit    uint64

	log     zerolog.Logger
	metrics *observability.Metrics
}

// Config for Dial.
type Config struct {
	RPCURL        string
	MarketAddr    string
	ConverterAddr string
	CallTimeout   time.Duration // per-RPC deadline, default 10s
	GasLimit      uint64        // fixed gas limit for writes, default 300k
}

// Dial connects to the node, resolves the chain ID and parses both ABIs.
func Dial(ctx context.Context, cfg Config, metrics *observability.Metrics) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}

	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300_000
	}

	return &Client{
		eth:           eth,
		chainID:       chainID,
		marketAddr:    common.HexToAddress(cfg.MarketAddr),
		converterAddr: common.HexToAddress(cfg.ConverterAddr),
		marketABI:     MustMarketABI(),
		converterABI:  MustConverterABI(),
		callTimeout:   cfg.CallTimeout,
		gasLimit:      cfg.GasLimit,
		log:           observability.NewLogger("chain"),
		metrics:       metrics,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ChainID returns the connected chain's ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// MarketAddress returns the Market contract address.
func (c *Client) MarketAddress() common.Address { return c.marketAddr }

// ConverterAddress returns the EnergyConverter contract address.
func (c *Client) ConverterAddress() common.Address { return c.converterAddr }

// MarketABI returns the parsed Market ABI for log decoding.
func (c *Client) MarketABI() abi.ABI { return c.marketABI }

// ConverterABI returns the parsed EnergyConverter ABI for log decoding.
func (c *Client) ConverterABI() abi.ABI { return c.converterABI }

// --- View calls ---

// MinimumSettlementWh reads the settlement gate from the converter contract.
// The threshold is never cached locally; each cycle reads it fresh so a
// governance change takes effect without a restart.
func (c *Client) MinimumSettlementWh(ctx context.Context) (int64, error) {
	out, err := c.callView(ctx, c.converterAddr, c.converterABI, "minimumSettlementWh")
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("minimumSettlementWh: unexpected output type %T", out[0])
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("minimumSettlementWh %s overflows int64", v)
	}
	return v.Int64(), nil
}

// CalculateEtkAmount converts unsigned Wh into an ETK amount (2 fixed
// decimals) via the contract's conversion rate. The rate is never computed
// locally. Callers pass abs(netWh) and reapply the sign themselves.
func (c *Client) CalculateEtkAmount(ctx context.Context, absWh int64) (int64, error) {
	if absWh < 0 {
		return 0, fmt.Errorf("calculateEtkAmount: negative wh %d", absWh)
	}
	out, err := c.callView(ctx, c.converterAddr, c.converterABI, "calculateEtkAmount", big.NewInt(absWh))
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("calculateEtkAmount: unexpected output type %T", out[0])
	}
	return fpmath.BigFromContract(v)
}

// IsMeterAuthorized reports whether the converter accepts settlements for
// the meter address.
func (c *Client) IsMeterAuthorized(ctx context.Context, meter common.Address) (bool, error) {
	out, err := c.callView(ctx, c.converterAddr, c.converterABI, "isAuthorizedMeter", meter)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isAuthorizedMeter: unexpected output type %T", out[0])
	}
	return v, nil
}

func (c *Client) callView(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	c.observe(method, start, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, transient(err))
	}

	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty output", method)
	}
	return out, nil
}

// --- Writes ---

// AuthorizeMeter submits an owner-signed authorizeMeter transaction.
func (c *Client) AuthorizeMeter(ctx context.Context, owner *Signer, meter common.Address) (string, error) {
	data, err := c.converterABI.Pack("authorizeMeter", meter)
	if err != nil {
		return "", fmt.Errorf("pack authorizeMeter: %w", err)
	}
	return c.submit(ctx, owner, c.converterAddr, data, "authorizeMeter")
}

// ProcessSettlement submits the mint/burn transaction for one meter.
// amountWh must be non-negative; mint selects the on-chain direction.
// The idempotency key travels with the transaction so a re-submission of the
// same local settlement cannot double-mint.
func (c *Client) ProcessSettlement(ctx context.Context, signer *Signer, meter common.Address, amountWh int64, mint bool, idemKey [32]byte) (string, error) {
	if amountWh < 0 {
		return "", fmt.Errorf("processSettlement: negative wh %d", amountWh)
	}
	data, err := c.converterABI.Pack("processSettlement", meter, big.NewInt(amountWh), mint, idemKey)
	if err != nil {
		return "", fmt.Errorf("pack processSettlement: %w", err)
	}
	return c.submit(ctx, signer, c.converterAddr, data, "processSettlement")
}

func (c *Client) submit(ctx context.Context, signer *Signer, to common.Address, data []byte, method string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	from := signer.Address()

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%s nonce: %w", method, transient(err))
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%s gas price: %w", method, transient(err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return "", &SubmissionError{Method: method, Err: err}
	}

	start := time.Now()
	err = c.eth.SendTransaction(ctx, signed)
	c.observe(method, start, err)
	if err != nil {
		// Deadline/drop before broadcast is indistinguishable from a drop
		// after; treat only explicit node rejections as submission failures.
		if terr := transient(err); terr != err {
			return "", fmt.Errorf("%s: %w", method, terr)
		}
		return "", &SubmissionError{Method: method, Err: err}
	}

	hash := signed.Hash().Hex()
	c.log.Info().Str("method", method).Str("tx_hash", hash).Str("from", from.Hex()).Msg("transaction submitted")
	return hash, nil
}

// --- Logs ---

// SubscribeLogs opens a live log subscription covering both contracts.
func (c *Client) SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.marketAddr, c.converterAddr},
	}
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", transient(err))
	}
	return sub, nil
}

// FilterLogs fetches historical logs for both contracts from a block onward.
// Used by the startup backfill; handlers are idempotent so overlap with the
// live subscription is harmless.
func (c *Client) FilterLogs(ctx context.Context, fromBlock uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.marketAddr, c.converterAddr},
		FromBlock: new(big.Int).SetUint64(fromBlock),
	}
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", transient(err))
	}
	return logs, nil
}

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", transient(err))
	}
	return n, nil
}

func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.ChainCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ChainCallErrors.WithLabelValues(method).Inc()
	}
}
