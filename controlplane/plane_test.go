package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/routing"
	sstest "github.com/c360/streamswitch/testutil"
)

const waitFor = 3 * time.Second

func newPlane(t *testing.T, registry *metric.Registry) *Plane {
	t.Helper()
	p, err := NewPlane(Config{FanInBuffer: 16}, nil, registry)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, p.Close(5*time.Second))
	})
	return p
}

func await[T any](t *testing.T, p *flow.Pending[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return p.Wait(ctx)
}

func TestPlane_UnknownIDs(t *testing.T) {
	p := newPlane(t, nil)
	g, err := p.CreateGroup("a", sstest.NewCollector().Sink)
	require.NoError(t, err)
	w, err := p.RegisterProducer("w", flow.NewTicker("w", 5*time.Millisecond), flow.Closed)
	require.NoError(t, err)

	_, err = p.Attach("nope", g)
	assert.True(t, errors.IsNotFound(err))
	_, err = p.Attach(w, "nope")
	assert.True(t, errors.IsNotFound(err))

	_, err = await(t, p.AttachPaused("nope", g))
	assert.True(t, errors.IsNotFound(err))

	_, err = await(t, p.Detach("nope", "x"))
	assert.True(t, errors.IsNotFound(err))
	_, err = await(t, p.Detach(g, "x"))
	assert.True(t, errors.IsNotFound(err))

	assert.True(t, errors.IsNotFound(p.Kill(g, "x")))
	assert.True(t, errors.IsNotFound(p.KillWrapper("nope")))

	_, err = await(t, p.FlipGate("nope", flow.Open))
	assert.True(t, errors.IsNotFound(err))
}

func TestPlane_CreateGroup(t *testing.T) {
	p := newPlane(t, nil)

	id, err := p.CreateGroup("a", sstest.NewCollector().Sink)
	require.NoError(t, err)
	assert.Equal(t, GroupID("a"), id)

	_, err = p.CreateGroup("a", sstest.NewCollector().Sink)
	assert.True(t, errors.IsInvalidState(err))

	_, err = p.CreateGroup("", sstest.NewCollector().Sink)
	assert.True(t, errors.IsInvalid(err))

	_, err = p.CreateGroup("b", nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestPlane_AttachDetachRoundTrip(t *testing.T) {
	p := newPlane(t, nil)
	ca, cb := sstest.NewCollector(), sstest.NewCollector()
	a, err := p.CreateGroup("a", ca.Sink)
	require.NoError(t, err)
	b, err := p.CreateGroup("b", cb.Sink)
	require.NoError(t, err)

	w, err := p.RegisterProducer("counter", flow.NewTicker("counter", 5*time.Millisecond), flow.Open)
	require.NoError(t, err)

	att, err := p.Attach(w, a)
	require.NoError(t, err)
	ca.WaitForCount(t, 3, waitFor)

	_, err = p.Attach(w, b)
	assert.True(t, errors.IsInvalidState(err), "a busy wrapper must not get a second link")

	got, err := await(t, p.Detach(a, att))
	require.NoError(t, err)
	assert.Equal(t, w, got)

	_, err = await(t, p.Detach(a, att))
	assert.True(t, errors.IsNotFound(err))

	attB, err := await(t, p.AttachPaused(w, b))
	require.NoError(t, err)
	assert.NotEqual(t, att, attB)
	cb.WaitForCount(t, 3, waitFor)

	seqA, seqB := ca.Seqs("counter"), cb.Seqs("counter")
	assert.True(t, ca.StrictlyIncreasing("counter"))
	assert.True(t, cb.StrictlyIncreasing("counter"))
	assert.Greater(t, seqB[0], seqA[len(seqA)-1])

	wrapper, err := p.Wrapper(w)
	require.NoError(t, err)
	assert.Equal(t, flow.Open, wrapper.Gate())
}

func TestPlane_KillAndKillWrapper(t *testing.T) {
	p := newPlane(t, nil)
	c := sstest.NewCollector()
	a, err := p.CreateGroup("a", c.Sink)
	require.NoError(t, err)

	w1, err := p.RegisterProducer("w1", flow.NewTicker("w1", 5*time.Millisecond), flow.Open)
	require.NoError(t, err)
	w2, err := p.RegisterProducer("w2", flow.NewTicker("w2", 5*time.Millisecond), flow.Open)
	require.NoError(t, err)

	att1, err := p.Attach(w1, a)
	require.NoError(t, err)
	c.WaitForSource(t, "w1", 2, waitFor)

	require.NoError(t, p.Kill(a, att1))
	assert.True(t, errors.IsNotFound(p.Kill(a, att1)))
	_, err = p.Attach(w1, a)
	assert.True(t, errors.IsInvalidState(err))

	// Unattached wrappers are killed directly; a second kill is a no-op.
	require.NoError(t, p.KillWrapper(w2))
	require.NoError(t, p.KillWrapper(w2))
	_, err = await(t, p.AttachPaused(w2, a))
	assert.True(t, errors.IsInvalidState(err))
	_, err = await(t, p.FlipGate(w2, flow.Open))
	assert.True(t, errors.IsInvalidState(err))

	for _, info := range p.Wrappers() {
		assert.Equal(t, "terminated", info.State)
		assert.Empty(t, info.AttachmentID)
	}
}

func TestPlane_KillWrapperWhileAttached(t *testing.T) {
	p := newPlane(t, nil)
	c := sstest.NewCollector()
	a, err := p.CreateGroup("a", c.Sink)
	require.NoError(t, err)
	w, err := p.RegisterProducer("w", flow.NewTicker("w", 5*time.Millisecond), flow.Open)
	require.NoError(t, err)

	att, err := p.Attach(w, a)
	require.NoError(t, err)
	c.WaitForCount(t, 2, waitFor)

	require.NoError(t, p.KillWrapper(w))
	n := c.Len()

	assert.True(t, errors.IsNotFound(p.Kill(a, att)))
	groups := p.Groups()
	require.Len(t, groups, 1)
	assert.Empty(t, groups[0].Attachments)

	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, n, c.Len())
}

func TestPlane_Snapshots(t *testing.T) {
	p := newPlane(t, nil)
	_, err := p.CreateGroup("b", sstest.NewCollector().Sink)
	require.NoError(t, err)
	a, err := p.CreateGroup("a", sstest.NewCollector().Sink)
	require.NoError(t, err)

	w, err := p.RegisterProducer("zeta", flow.Range("zeta", 1, 10), flow.Closed)
	require.NoError(t, err)
	_, err = p.RegisterProducer("alpha", flow.Range("alpha", 1, 10), flow.Closed)
	require.NoError(t, err)

	att, err := p.Attach(w, a)
	require.NoError(t, err)

	groups := p.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, GroupID("a"), groups[0].ID)
	assert.Equal(t, []routing.AttachmentID{att}, groups[0].Attachments)

	wrappers := p.Wrappers()
	require.Len(t, wrappers, 2)
	assert.Equal(t, "alpha", wrappers[0].Name)
	assert.Equal(t, "zeta", wrappers[1].Name)
	assert.Equal(t, att, wrappers[1].AttachmentID)
	assert.Equal(t, a, wrappers[1].Group)
	assert.Equal(t, "closed", wrappers[1].Gate)
}

func TestPlane_Health(t *testing.T) {
	p, err := NewPlane(Config{}, nil, nil)
	require.NoError(t, err)

	a, err := p.CreateGroup("a", sstest.NewCollector().Sink)
	require.NoError(t, err)
	w, err := p.RegisterProducer("short", flow.Range("short", 1, 2), flow.Closed)
	require.NoError(t, err)
	_, err = p.Attach(w, a)
	require.NoError(t, err)

	status := p.Health()
	assert.True(t, status.IsHealthy(), status.Message)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 1, status.Metrics.Wrappers)
	assert.Equal(t, 1, status.Metrics.Attachments)

	// An exhausted producer degrades the plane.
	_, err = await(t, p.FlipGate(w, flow.Open))
	require.NoError(t, err)
	wrapper, err := p.Wrapper(w)
	require.NoError(t, err)
	<-wrapper.Done()
	assert.True(t, p.Health().IsDegraded())

	require.NoError(t, p.Close(5*time.Second))
	require.NoError(t, p.Close(5*time.Second))
	assert.True(t, p.Health().IsUnhealthy())

	_, err = p.RegisterProducer("late", flow.Range("late", 1, 1), flow.Open)
	assert.True(t, errors.IsInvalidState(err))
	_, err = p.CreateGroup("late", sstest.NewCollector().Sink)
	assert.True(t, errors.IsInvalidState(err))
}

func TestPlane_Metrics(t *testing.T) {
	registry := metric.NewRegistry()
	p := newPlane(t, registry)
	require.NotNil(t, p.metrics)

	a, err := p.CreateGroup("a", sstest.NewCollector().Sink)
	require.NoError(t, err)
	w, err := p.RegisterProducer("w", flow.NewTicker("w", 5*time.Millisecond), flow.Closed)
	require.NoError(t, err)

	att, err := p.Attach(w, a)
	require.NoError(t, err)
	_, err = p.Attach(w, a)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.verbs.WithLabelValues("attach", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.verbs.WithLabelValues("attach", "invalid_state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.attachments))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.wrappers))

	_, err = await(t, p.Detach(a, att))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.verbs.WithLabelValues("detach_completed", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.metrics.attachments))

	assert.True(t, errors.IsNotFound(p.Kill(a, att)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.verbs.WithLabelValues("kill", "not_found")))
}

func TestPlane_DetachThenAttachPausedWithoutWaiting(t *testing.T) {
	p := newPlane(t, nil)
	ca, cb := sstest.NewCollector(), sstest.NewCollector()
	a, err := p.CreateGroup("a", ca.Sink)
	require.NoError(t, err)
	b, err := p.CreateGroup("b", cb.Sink)
	require.NoError(t, err)
	w, err := p.RegisterProducer("w", flow.Range("w", 1, 1_000_000), flow.Open)
	require.NoError(t, err)

	id, err := p.Attach(w, a)
	require.NoError(t, err)
	ca.WaitForCount(t, 100, waitFor)

	detached := p.Detach(a, id)
	resumed := p.AttachPaused(w, b)

	_, err = await(t, detached)
	require.NoError(t, err)
	_, err = await(t, resumed)
	require.NoError(t, err)
	cb.WaitForCount(t, 50, waitFor)

	inA := make(map[uint64]bool)
	var lastA uint64
	for _, seq := range ca.Seqs("w") {
		inA[seq] = true
		lastA = max(lastA, seq)
	}
	for _, seq := range cb.Seqs("w") {
		require.False(t, inA[seq], "seq %d delivered to both groups", seq)
		require.Greater(t, seq, lastA)
	}
}
