package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New("a")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.Received("request")
	m.Received("request")
	m.Dropped(DropDecode)
	m.Sent("sync_message", nil)
	m.Sent("sync_message", errors.New("boom"))
	m.Reconcile(OutcomeCreated)
	m.Queues(2, 1, 5)

	require.Equal(t, 2.0, testutil.ToFloat64(m.PacketsReceived.WithLabelValues("request")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(DropDecode)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.PacketsSent.WithLabelValues("sync_message")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures.WithLabelValues("sync_message")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reconciled.WithLabelValues(OutcomeCreated)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.RequestQueue))
	require.Equal(t, 5.0, testutil.ToFloat64(m.SyncPending))

	n, err := testutil.GatherAndCount(reg, "ngchs_packets_received_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTwoNodesShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New("a").Register(reg))
	require.NoError(t, New("b").Register(reg))
	require.Error(t, New("a").Register(reg), "duplicate const labels")
}

func TestNilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Received("x")
		m.Dropped("x")
		m.Sent("x", nil)
		m.Reconcile("x")
		m.Queues(1, 2, 3)
	})
}
