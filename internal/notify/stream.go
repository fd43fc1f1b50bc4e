package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// StreamSender appends events to a durable stream consumed by the chat bot,
// which routes each message to the user named in the event.
type StreamSender struct {
	bus    domain.SignalBus
	stream string
}

// NewStreamSender creates a StreamSender writing to stream.
func NewStreamSender(bus domain.SignalBus, stream string) *StreamSender {
	return &StreamSender{bus: bus, stream: stream}
}

func (s *StreamSender) Send(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
		return fmt.Errorf("stream: append %s: %w", s.stream, err)
	}
	return nil
}

func (s *StreamSender) Name() string {
	return "stream"
}
