package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/errors"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"open", Open, false},
		{"CLOSED", Closed, false},
		{" Open ", Open, false},
		{"half", Closed, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGate_FlipsApplyInOrder(t *testing.T) {
	g := newGate("g", Closed, nil)
	stop := make(chan struct{})
	defer close(stop)
	go g.run(stop)

	first := g.Flip(Open)
	second := g.Flip(Closed)
	third := g.Flip(Open)

	assert.Equal(t, Open, waitFlip(t, first))
	assert.Equal(t, Closed, waitFlip(t, second))
	assert.Equal(t, Open, waitFlip(t, third))
	assert.Equal(t, Open, g.Mode())
}

func TestGate_FlipToCurrentModeIsNoop(t *testing.T) {
	g := newGate("g", Open, nil)
	stop := make(chan struct{})
	defer close(stop)
	go g.run(stop)

	_, openedAt := g.snapshot()
	assert.Equal(t, Open, waitFlip(t, g.Flip(Open)))
	_, after := g.snapshot()
	assert.Equal(t, openedAt, after)
}

func TestGate_TerminateRejectsQueuedAndFutureFlips(t *testing.T) {
	g := newGate("g", Closed, nil)

	// Not running: the request stays queued until terminate rejects it.
	queued := g.Flip(Open)
	g.terminate()
	g.terminate()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := queued.Wait(ctx)
	assert.True(t, errors.IsRuntimeRejected(err))

	_, err = g.Flip(Closed).Wait(ctx)
	assert.True(t, errors.IsRuntimeRejected(err))
}

func TestGate_FlipWithRunsHookBeforeLaterFlips(t *testing.T) {
	g := newGate("g", Open, nil)

	// Queue both before the gate goroutine runs so they apply back to back.
	modeInHook := Open
	hooked := make(chan struct{})
	closing := g.FlipWith(Closed, func() {
		modeInHook = g.Mode()
		close(hooked)
	})
	reopen := g.Flip(Open)

	stop := make(chan struct{})
	defer close(stop)
	go g.run(stop)

	assert.Equal(t, Closed, waitFlip(t, closing))
	<-hooked
	assert.Equal(t, Closed, modeInHook)
	assert.Equal(t, Open, waitFlip(t, reopen))
}

func TestGate_FlipWithSkipsHookWhenRejected(t *testing.T) {
	g := newGate("g", Open, nil)

	called := false
	p := g.FlipWith(Closed, func() { called = true })
	g.terminate()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.True(t, errors.IsRuntimeRejected(err))
	assert.False(t, called)
}

func TestGate_AwaitOpen(t *testing.T) {
	g := newGate("g", Closed, nil)
	stop := make(chan struct{})
	defer close(stop)
	go g.run(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, g.awaitOpen(ctx), context.DeadlineExceeded)
	cancel()

	waitFlip(t, g.Flip(Open))
	require.NoError(t, g.awaitOpen(context.Background()))
}

func TestGate_ChainsOnQueuedFlipsCompleteOnTerminate(t *testing.T) {
	g := newGate("g", Closed, nil)

	thenCalled := false
	chained := Then(g.Flip(Open), func(m Mode) (Mode, error) {
		thenCalled = true
		return m, nil
	})
	handled := Handle(g.Flip(Closed), func(_ Mode, err error) (bool, error) {
		return errors.IsRuntimeRejected(err), nil
	})
	g.terminate()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := chained.Wait(ctx)
	assert.True(t, errors.IsRuntimeRejected(err))
	assert.False(t, thenCalled)

	sawRejection, err := handled.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, sawRejection)
}
