package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pledgecache/internal/metrics"
	"pledgecache/internal/retry"
)

// ErrNotFound is returned for unknown transactions, receipts and blocks.
var ErrNotFound = ethereum.NotFound

// ErrDisconnected is returned while the client is re-establishing its connection.
var ErrDisconnected = errors.New("chain client disconnected")

type dialFunc func(ctx context.Context) (*rpc.Client, error)

// Client is the single connection to the chain node shared by every component.
// It throttles calls, watches the connection and redials with backoff,
// notifying registered listeners on disconnect and reconnect.
type Client struct {
	dial    dialFunc
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	pingInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration

	mu        sync.RWMutex
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	connected bool

	cbMu         sync.Mutex
	onDisconnect []func(error)
	onReconnect  []func()

	tsMu    sync.RWMutex
	tsCache map[uint64]uint64
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRateLimit caps outgoing RPC calls. A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithReconnect sets the health check interval and redial backoff bounds.
func WithReconnect(ping, base, max time.Duration) Option {
	return func(c *Client) {
		if ping > 0 {
			c.pingInterval = ping
		}
		if base > 0 {
			c.backoffBase = base
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

// Dial connects to rpcURL (http, ws or ipc).
func Dial(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	return newClient(ctx, func(ctx context.Context) (*rpc.Client, error) {
		return rpc.DialContext(ctx, rpcURL)
	}, opts...)
}

func newClient(ctx context.Context, dial dialFunc, opts ...Option) (*Client, error) {
	c := &Client{
		dial:         dial,
		log:          zap.NewNop(),
		pingInterval: 15 * time.Second,
		backoffBase:  time.Second,
		backoffMax:   time.Minute,
		tsCache:      make(map[uint64]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("component", "chain"))

	rpcClient, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c.swap(rpcClient)
	return c, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.connected = false
}

// OnDisconnect registers fn to run when the connection is lost.
func (c *Client) OnDisconnect(fn func(error)) {
	c.cbMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.cbMu.Unlock()
}

// OnReconnect registers fn to run after the connection is re-established.
func (c *Client) OnReconnect(fn func()) {
	c.cbMu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.cbMu.Unlock()
}

// Connected reports whether the last health check succeeded.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Watch pings the node until ctx is done, redialling when a ping fails.
func (c *Client) Watch(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		eth, err := c.eth()
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, c.pingInterval)
			_, err = eth.BlockNumber(pingCtx)
			cancel()
		}
		if err == nil || ctx.Err() != nil {
			continue
		}
		if err := c.reconnect(ctx, err); err != nil {
			return err
		}
	}
}

func (c *Client) reconnect(ctx context.Context, cause error) error {
	c.log.Warn("chain connection lost", zap.Error(cause))
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.notifyDisconnect(cause)

	delay := c.backoffBase
	for attempt := 1; ; attempt++ {
		rpcClient, err := c.dial(ctx)
		if err == nil {
			eth := ethclient.NewClient(rpcClient)
			if _, err = eth.BlockNumber(ctx); err == nil {
				c.swap(rpcClient)
				c.metrics.RecordReconnect()
				c.log.Info("chain connection restored", zap.Int("attempt", attempt))
				c.notifyReconnect()
				return nil
			}
			rpcClient.Close()
		}
		c.log.Warn("redial failed", zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > c.backoffMax {
			delay = c.backoffMax
		}
	}
}

func (c *Client) swap(rpcClient *rpc.Client) {
	c.mu.Lock()
	old := c.rpcClient
	c.rpcClient = rpcClient
	c.ethClient = ethclient.NewClient(rpcClient)
	c.connected = true
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (c *Client) notifyDisconnect(err error) {
	c.cbMu.Lock()
	fns := append([]func(error){}, c.onDisconnect...)
	c.cbMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) notifyReconnect() {
	c.cbMu.Lock()
	fns := append([]func(){}, c.onReconnect...)
	c.cbMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) eth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ethClient == nil {
		return nil, ErrDisconnected
	}
	return c.ethClient, nil
}

func (c *Client) raw() (*rpc.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rpcClient == nil {
		return nil, ErrDisconnected
	}
	return c.rpcClient, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) call(ctx context.Context, method string, fn func(*ethclient.Client) error) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	eth, err := c.eth()
	if err != nil {
		return err
	}
	err = fn(eth)
	if errors.Is(err, ethereum.NotFound) {
		c.metrics.ObserveRPC(method, nil)
	} else {
		c.metrics.ObserveRPC(method, err)
	}
	return err
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "eth_chainId", func(eth *ethclient.Client) (err error) {
		id, err = eth.ChainID(ctx)
		return err
	})
	return id, err
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, "eth_blockNumber", func(eth *ethclient.Client) (err error) {
		n, err = eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// BlockByNumber returns the block by number.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	var block *types.Block
	err := c.call(ctx, "eth_getBlockByNumber", func(eth *ethclient.Client) (err error) {
		block, err = eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	return block, err
}

// HeaderByNumber returns the block header by number.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(eth *ethclient.Client) (err error) {
		header, err = eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	return header, err
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.tsMu.RLock()
	ts, ok := c.tsCache[number]
	c.tsMu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.HeaderByNumber(ctx, number)
	if err != nil {
		return 0, err
	}

	ts = header.Time
	c.tsMu.Lock()
	c.tsCache[number] = ts
	c.tsMu.Unlock()

	return ts, nil
}

// TransactionByHash returns the transaction and whether it is still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.call(ctx, "eth_getTransactionByHash", func(eth *ethclient.Client) (err error) {
		tx, pending, err = eth.TransactionByHash(ctx, hash)
		return err
	})
	return tx, pending, err
}

// TransactionReceipt returns the receipt, or ErrNotFound if the transaction
// is not mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(eth *ethclient.Client) (err error) {
		receipt, err = eth.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(eth *ethclient.Client) (err error) {
		logs, err = eth.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// SubscribeLogs streams logs for addresses and topic0 filters from fromBlock.
// Requires a websocket or ipc endpoint.
func (c *Client) SubscribeLogs(
	ctx context.Context,
	addresses []common.Address,
	topic0 []common.Hash,
	fromBlock uint64,
	ch chan<- types.Log,
) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{Addresses: addresses}
	if fromBlock > 0 {
		query.FromBlock = new(big.Int).SetUint64(fromBlock)
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	var sub ethereum.Subscription
	err := c.call(ctx, "eth_subscribe", func(eth *ethclient.Client) (err error) {
		sub, err = eth.SubscribeFilterLogs(ctx, query, ch)
		return err
	})
	return sub, err
}

// SubscribeNewHead streams new block headers.
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := c.call(ctx, "eth_subscribe", func(eth *ethclient.Client) (err error) {
		sub, err = eth.SubscribeNewHead(ctx, ch)
		return err
	})
	return sub, err
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "eth_call", func(eth *ethclient.Client) (err error) {
		out, err = eth.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// CallRequest is one eth_call in a batch.
type CallRequest struct {
	To   common.Address
	Data []byte
}

// CallResult is the outcome of one CallRequest. Err is set per call, so one
// reverted call does not fail the batch.
type CallResult struct {
	Data []byte
	Err  error
}

// BatchCall sends all requests as one JSON-RPC batch against the latest block.
func (c *Client) BatchCall(ctx context.Context, reqs []CallRequest) ([]CallResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	rpcClient, err := c.raw()
	if err != nil {
		return nil, err
	}

	outputs := make([]hexutil.Bytes, len(reqs))
	elems := make([]rpc.BatchElem, len(reqs))
	for i, req := range reqs {
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{
					"to":   req.To,
					"data": hexutil.Bytes(req.Data),
				},
				"latest",
			},
			Result: &outputs[i],
		}
	}

	err = rpcClient.BatchCallContext(ctx, elems)
	c.metrics.ObserveRPC("eth_call_batch", err)
	if err != nil {
		return nil, fmt.Errorf("batch call: %w", err)
	}

	results := make([]CallResult, len(reqs))
	for i := range elems {
		results[i] = CallResult{Data: outputs[i], Err: elems[i].Error}
	}
	return results, nil
}
