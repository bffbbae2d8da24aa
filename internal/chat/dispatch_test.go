package chat

import (
	"context"
	"errors"
	"testing"

	"chatwatch/internal/detector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(f *fakeSurface, sink *memorySink) *Dispatcher {
	var s detector.Sink
	if sink != nil {
		s = sink
	}
	d := NewDispatcher(f, "s1", s, nil)
	d.now = f.clock.Now
	return d
}

func TestDispatcherKeystrokePath(t *testing.T) {
	f := &fakeSurface{clock: newFakeClock(), hasButton: true}
	sink := &memorySink{}
	d := newTestDispatcher(f, sink)

	rec := d.Send(context.Background(), "Hello")

	assert.Equal(t, PathKeys, rec.Path)
	assert.True(t, rec.Clicked)
	assert.Empty(t, rec.Err)
	assert.Equal(t, f.clock.Now(), rec.SentAt)
	assert.Equal(t, []string{"Hello"}, f.typed)
	assert.Empty(t, f.injected)
	assert.Equal(t, 1, f.clicks)
	assert.Equal(t, rec, d.Last())
	assert.Equal(t, []string{"prompt_sent"}, sink.predicates())
}

func TestDispatcherFallsBackToInjection(t *testing.T) {
	f := &fakeSurface{clock: newFakeClock(), typeErr: errors.New("element not interactable")}
	d := newTestDispatcher(f, nil)

	rec := d.Send(context.Background(), "مرحبا")

	assert.Equal(t, PathInject, rec.Path)
	assert.False(t, rec.Clicked)
	assert.Empty(t, rec.Err)
	assert.Equal(t, []string{"مرحبا"}, f.injected)
}

func TestDispatcherClickAloneCountsAsDelivered(t *testing.T) {
	f := &fakeSurface{
		clock:     newFakeClock(),
		typeErr:   errors.New("no input"),
		injectErr: errors.New("no input"),
		hasButton: true,
	}
	rec := newTestDispatcher(f, nil).Send(context.Background(), "Hi")

	assert.Equal(t, PathNone, rec.Path)
	assert.True(t, rec.Clicked)
	assert.True(t, rec.Delivered())
	assert.Empty(t, rec.Err)
}

func TestDispatcherTotalFailureIsRecorded(t *testing.T) {
	f := &fakeSurface{
		clock:     newFakeClock(),
		typeErr:   errors.New("type failed"),
		injectErr: errors.New("inject failed"),
		clickErr:  errors.New("click failed"),
	}
	sink := &memorySink{}
	d := newTestDispatcher(f, sink)

	rec := d.Send(context.Background(), "Hi")

	assert.False(t, rec.Delivered())
	assert.Equal(t, "Hi", rec.Prompt)
	assert.False(t, rec.SentAt.IsZero(), "sent time is recorded even when nothing was delivered")
	assert.Contains(t, rec.Err, "type failed")
	assert.Contains(t, rec.Err, "inject failed")
	assert.Contains(t, rec.Err, "click failed")

	assert.Equal(t, []string{"send_failed", "prompt_sent"}, sink.predicates())
	fact, ok := sink.find("prompt_sent")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"s1", PathNone, rec.SentAt.UnixMilli()}, fact.Args)
}

func TestDispatcherOverwritesLastRecord(t *testing.T) {
	f := &fakeSurface{clock: newFakeClock()}
	d := newTestDispatcher(f, nil)

	d.Send(context.Background(), "first")
	d.Send(context.Background(), "second")

	assert.Equal(t, "second", d.Last().Prompt)
}

func TestDispatcherClearsLeftoverDraft(t *testing.T) {
	f := &fakeSurface{clock: newFakeClock(), draft: "half typed "}
	rec := newTestDispatcher(f, nil).Send(context.Background(), "Hello")

	assert.Equal(t, PathKeys, rec.Path)
	assert.Equal(t, 1, f.clears)
	assert.Equal(t, []string{"Hello"}, f.typed)
}

func TestDispatcherSendsWhenClearFails(t *testing.T) {
	f := &fakeSurface{clock: newFakeClock(), clearErr: errors.New("input not found")}
	rec := newTestDispatcher(f, nil).Send(context.Background(), "Hello")

	assert.Equal(t, PathKeys, rec.Path)
	assert.Empty(t, rec.Err)
	assert.Equal(t, []string{"Hello"}, f.typed)
}
