package session

import (
	"context"
	"errors"
	"strings"

	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/provider"
)

// ErrClientGone is reported by a sink when the outbound consumer has
// disconnected.
var ErrClientGone = errors.New("client disconnected")

// Outbound event types, per the dispatch contract: zero or more "chunk"
// events followed by exactly one "done" or "error".
const (
	OutChunk = "chunk"
	OutDone  = "done"
	OutError = "error"
)

// OutEvent is one outbound server-push event.
type OutEvent struct {
	Type           string           `json:"type"`
	Text           string           `json:"text,omitempty"`           // chunk
	ResponseID     string           `json:"responseId,omitempty"`     // done
	ConversationID string           `json:"conversationId,omitempty"` // done, chat mode
	TokensUsed     int64            `json:"tokensUsed,omitempty"`     // done
	Code           domain.FaultCode `json:"code,omitempty"`           // error
	Message        string           `json:"message,omitempty"`        // error
}

// EventSink is the outbound consumer of a generation's event stream.
// Send blocks until the consumer has accepted the event and returns an
// error once the consumer is gone. The blocking send is the backpressure
// mechanism: a slow client slows the provider read instead of growing an
// unbounded buffer or dropping chunks.
type EventSink interface {
	Send(evt OutEvent) error
}

// MuxOutcome is the result of pumping one provider stream to a sink.
type MuxOutcome struct {
	Content string          // accumulated output, in provider emission order
	Chunks  int             // number of delta events forwarded
	Usage   *provider.Usage // provider-reported usage, if any
	Err     error           // nil when the stream ended normally
}

// runMux forwards provider events to the sink one at a time, preserving
// emission order, while accumulating the full output for persistence.
// It returns when the stream terminates, the context is cancelled, or the
// sink reports the client gone. The caller aborts the provider call by
// cancelling ctx once runMux returns.
func runMux(ctx context.Context, events <-chan provider.Event, sink EventSink) MuxOutcome {
	var buf strings.Builder
	out := MuxOutcome{}

	for {
		select {
		case <-ctx.Done():
			out.Content = buf.String()
			out.Err = ctx.Err()
			return out

		case evt, ok := <-events:
			if !ok {
				// Closed without a terminal marker: treat as normal end.
				out.Content = buf.String()
				return out
			}

			switch evt.Type {
			case provider.EventDelta:
				buf.WriteString(evt.Text)
				if err := sink.Send(OutEvent{Type: OutChunk, Text: evt.Text}); err != nil {
					out.Content = buf.String()
					out.Chunks++
					out.Err = ErrClientGone
					return out
				}
				out.Chunks++

			case provider.EventDone:
				out.Content = buf.String()
				out.Usage = evt.Usage
				return out

			case provider.EventError:
				out.Content = buf.String()
				out.Err = &provider.ProviderError{Message: evt.Err}
				return out
			}
		}
	}
}
