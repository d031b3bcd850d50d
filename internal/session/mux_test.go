package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectSink records events and can be told to fail after a number of
// chunks to simulate a client disconnect.
type collectSink struct {
	mu         sync.Mutex
	events     []OutEvent
	failAfter  int // fail Send once this many chunks were accepted; -1 never
	chunksSeen int
}

func newCollectSink() *collectSink {
	return &collectSink{failAfter: -1}
}

func (s *collectSink) Send(evt OutEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.Type == OutChunk {
		if s.failAfter >= 0 && s.chunksSeen >= s.failAfter {
			return ErrClientGone
		}
		s.chunksSeen++
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *collectSink) Events() []OutEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutEvent, len(s.events))
	copy(out, s.events)
	return out
}

func eventsChan(events ...provider.Event) <-chan provider.Event {
	ch := make(chan provider.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestRunMux_ForwardsInOrder(t *testing.T) {
	sink := newCollectSink()
	out := runMux(context.Background(), eventsChan(
		provider.Event{Type: provider.EventDelta, Text: "a"},
		provider.Event{Type: provider.EventDelta, Text: "b"},
		provider.Event{Type: provider.EventDelta, Text: "c"},
		provider.Event{Type: provider.EventDone, Usage: &provider.Usage{InputTokens: 3, OutputTokens: 7}},
	), sink)

	require.NoError(t, out.Err)
	assert.Equal(t, "abc", out.Content)
	assert.Equal(t, 3, out.Chunks)
	require.NotNil(t, out.Usage)
	assert.Equal(t, int64(10), out.Usage.Total())

	evts := sink.Events()
	require.Len(t, evts, 3)
	assert.Equal(t, "a", evts[0].Text)
	assert.Equal(t, "b", evts[1].Text)
	assert.Equal(t, "c", evts[2].Text)
}

func TestRunMux_ErrorEventKeepsAccumulated(t *testing.T) {
	sink := newCollectSink()
	out := runMux(context.Background(), eventsChan(
		provider.Event{Type: provider.EventDelta, Text: "partial "},
		provider.Event{Type: provider.EventDelta, Text: "output"},
		provider.Event{Type: provider.EventError, Err: "upstream exploded"},
	), sink)

	require.Error(t, out.Err)
	assert.Equal(t, "partial output", out.Content)
	assert.Equal(t, 2, out.Chunks)
	assert.Nil(t, out.Usage)
}

func TestRunMux_ClosedWithoutTerminal(t *testing.T) {
	sink := newCollectSink()
	out := runMux(context.Background(), eventsChan(
		provider.Event{Type: provider.EventDelta, Text: "x"},
	), sink)

	assert.NoError(t, out.Err)
	assert.Equal(t, "x", out.Content)
}

func TestRunMux_SinkFailureStopsPump(t *testing.T) {
	sink := newCollectSink()
	sink.failAfter = 1

	out := runMux(context.Background(), eventsChan(
		provider.Event{Type: provider.EventDelta, Text: "a"},
		provider.Event{Type: provider.EventDelta, Text: "b"},
		provider.Event{Type: provider.EventDelta, Text: "c"},
		provider.Event{Type: provider.EventDone},
	), sink)

	assert.ErrorIs(t, out.Err, ErrClientGone)
	// The second chunk was produced but not delivered.
	assert.Equal(t, "ab", out.Content)
	assert.Equal(t, 2, out.Chunks)
	assert.Len(t, sink.Events(), 1)
}

func TestRunMux_ContextCancel(t *testing.T) {
	// Channel that never produces: cancellation must unblock the pump.
	ch := make(chan provider.Event)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan MuxOutcome, 1)
	go func() { done <- runMux(ctx, ch, newCollectSink()) }()

	cancel()
	select {
	case out := <-done:
		assert.ErrorIs(t, out.Err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runMux did not return after cancellation")
	}
}
