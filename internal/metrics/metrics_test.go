package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRPC("eth_call", nil)
	m.RecordReconnect()
	m.RecordIngested("Transfer", "Waiting")
	m.RecordRemoved("Pending")
	m.RecordPromoted(3)
	m.ObserveHandled("Transfer", "processed", time.Millisecond)
	m.SetQueueDepth(1)
	m.RecordRepair("failed")
	m.SetHead(10)
}

func TestCountersRecord(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.Collectors()...)

	m.ObserveRPC("eth_getTransactionReceipt", nil)
	m.ObserveRPC("eth_getTransactionReceipt", errors.New("down"))
	m.RecordPromoted(2)
	m.RecordRepair("reinjected")

	require.Equal(t, float64(1), testutil.ToFloat64(m.rpcRequests.WithLabelValues("eth_getTransactionReceipt", "error")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.promoted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.repairs.WithLabelValues("reinjected")))
}
