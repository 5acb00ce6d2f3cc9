package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New("test")

	m.ObservePass("forum-reply", "success", 50*time.Millisecond)
	m.ObservePass("forum-reply", "success", 0)
	m.ObservePass("forum-reply", "blocked", 0)
	m.ObserveMutation("forum-reply", "applied")
	m.ObserveCoalesced()
	m.ObserveTrigger("online")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Passes.WithLabelValues("forum-reply", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Passes.WithLabelValues("forum-reply", "blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("forum-reply", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Coalesced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Triggers.WithLabelValues("online")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PassDuration), "only passes with a duration are timed")
}

func TestNilIsNoOp(t *testing.T) {
	var m *Sync
	assert.NotPanics(t, func() {
		m.ObservePass("x", "noop", time.Second)
		m.ObserveMutation("x", "applied")
		m.ObserveCoalesced()
		m.ObserveTrigger("manual")
	})
}

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("")

	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg))

	m.ObserveCoalesced()
	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "offsync_sync_coalesced_total")
}
