package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CherryPod/sentinel-sub001/pkg/bus"
)

// sseKeepaliveInterval is how often a comment line is written to hold idle
// proxies open.
const sseKeepaliveInterval = 30 * time.Second

// SSEStreamer streams one task's bus events as server-sent events.
type SSEStreamer struct {
	bus               *bus.EventBus
	logger            *slog.Logger
	keepaliveInterval time.Duration
}

// NewSSEStreamer creates the streamer.
func NewSSEStreamer(eventBus *bus.EventBus, logger *slog.Logger) *SSEStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEStreamer{
		bus:               eventBus,
		logger:            logger.With("component", "sse"),
		keepaliveInterval: sseKeepaliveInterval,
	}
}

type sseEvent struct {
	topic string
	data  any
}

// Stream subscribes to task.<taskID>.* and writes events until the task
// completes or the client disconnects. Blocks for the stream's lifetime.
func (s *SSEStreamer) Stream(ctx context.Context, w http.ResponseWriter, taskID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	// Buffered so the bus handler never blocks on a slow client for long;
	// overflow drops the event rather than stalling other subscribers.
	events := make(chan sseEvent, 64)
	pattern := "task." + taskID + ".*"
	handler := func(_ context.Context, topic string, data any) {
		select {
		case events <- sseEvent{topic: topic, data: data}:
		default:
			s.logger.Warn("sse event dropped", "task_id", taskID, "topic", topic)
		}
	}
	// Subscribe before the first byte goes out so no event can slip past
	// between headers and subscription.
	s.bus.Subscribe(pattern, handler)
	defer s.bus.Unsubscribe(pattern, handler)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeSSE(w, ev.topic, ev.data); err != nil {
				return err
			}
			flusher.Flush()
			if strings.HasSuffix(ev.topic, ".completed") {
				return nil
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, topic string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", topic, payload)
	return err
}
