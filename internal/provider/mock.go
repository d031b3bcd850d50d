package provider

import (
	"context"

	"github.com/soyeahso/tokengate/internal/domain"
)

// MockAdapter is a test double for Adapter.
type MockAdapter struct {
	ProviderName string
	Caps         domain.CapabilitySet
	InvokeFunc   func(ctx context.Context, req Request) (*Result, error)
	StreamFunc   func(ctx context.Context, req Request) (<-chan Event, error)
}

func (m *MockAdapter) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockAdapter) Capabilities() domain.CapabilitySet {
	if m.Caps != nil {
		return m.Caps
	}
	return domain.NewCapabilitySet(domain.CapText, domain.CapCode)
}

func (m *MockAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req)
	}
	return &Result{Content: "mock result", Model: req.Model}, nil
}

func (m *MockAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	ch := make(chan Event, 2)
	ch <- Event{Type: EventDelta, Text: "mock "}
	ch <- Event{Type: EventDone}
	close(ch)
	return ch, nil
}

// ScriptedStream builds a StreamFunc that replays the given events and
// closes the channel. Useful for failure injection in session tests.
func ScriptedStream(events ...Event) func(ctx context.Context, req Request) (<-chan Event, error) {
	return func(ctx context.Context, req Request) (<-chan Event, error) {
		ch := make(chan Event, len(events))
		for _, e := range events {
			ch <- e
		}
		close(ch)
		return ch, nil
	}
}
