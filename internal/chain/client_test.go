package chain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type callArgs struct {
	To   *common.Address `json:"to"`
	Data hexutil.Bytes   `json:"data"`
}

type fakeEth struct {
	head uint64
}

func (f *fakeEth) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(f.head)
}

func (f *fakeEth) Call(args callArgs, block string) (hexutil.Bytes, error) {
	if len(args.Data) > 0 && args.Data[0] == 0xff {
		return nil, errors.New("execution reverted")
	}
	return args.Data, nil
}

func inProcDialer(t *testing.T, head uint64, dials *int32) dialFunc {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &fakeEth{head: head}))
	t.Cleanup(server.Stop)
	return func(context.Context) (*rpc.Client, error) {
		if dials != nil {
			atomic.AddInt32(dials, 1)
		}
		return rpc.DialInProc(server), nil
	}
}

func TestLatestBlockNumber(t *testing.T) {
	ctx := context.Background()
	c, err := newClient(ctx, inProcDialer(t, 42, nil), WithRateLimit(100, 1))
	require.NoError(t, err)
	defer c.Close()

	n, err := c.LatestBlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
	require.True(t, c.Connected())
}

func TestBatchCallReportsPerCallErrors(t *testing.T) {
	ctx := context.Background()
	c, err := newClient(ctx, inProcDialer(t, 1, nil))
	require.NoError(t, err)
	defer c.Close()

	to := common.HexToAddress("0x1")
	results, err := c.BatchCall(ctx, []CallRequest{
		{To: to, Data: []byte{0x01, 0x02}},
		{To: to, Data: []byte{0xff}},
		{To: to, Data: []byte{0x03}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, []byte{0x01, 0x02}, results[0].Data)
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	require.Equal(t, []byte{0x03}, results[2].Data)
}

func TestReconnectNotifiesListeners(t *testing.T) {
	ctx := context.Background()
	var dials int32
	c, err := newClient(ctx, inProcDialer(t, 7, &dials))
	require.NoError(t, err)
	defer c.Close()

	var disconnected, reconnected int32
	c.OnDisconnect(func(error) { atomic.AddInt32(&disconnected, 1) })
	c.OnReconnect(func() { atomic.AddInt32(&reconnected, 1) })

	require.NoError(t, c.reconnect(ctx, errors.New("socket closed")))
	require.Equal(t, int32(1), atomic.LoadInt32(&disconnected))
	require.Equal(t, int32(1), atomic.LoadInt32(&reconnected))
	require.Equal(t, int32(2), atomic.LoadInt32(&dials))
	require.True(t, c.Connected())

	n, err := c.LatestBlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)
}
