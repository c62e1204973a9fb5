package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// StreamHub fans live job events out to connected SSE clients, filtered by
// tenant. Publish never blocks: a client whose buffer is full loses that
// event and the drop is counted.
type StreamHub struct {
	heartbeat time.Duration
	buffer    int

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	tenant string
	ch     chan domain.Event
}

// NewStreamHub creates a hub with the given heartbeat interval and per-client
// buffer size.
func NewStreamHub(heartbeat time.Duration, buffer int) *StreamHub {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &StreamHub{
		heartbeat: heartbeat,
		buffer:    buffer,
		clients:   make(map[*streamClient]struct{}),
	}
}

// Publish delivers ev to every client subscribed to its tenant. The signature
// matches the queue consumer's event handler so the hub can be wired straight
// into it.
func (h *StreamHub) Publish(_ context.Context, ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.tenant != ev.TenantID {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			observability.RecordSSEDrop()
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *StreamHub) subscribe(tenant string) *streamClient {
	c := &streamClient{tenant: tenant, ch: make(chan domain.Event, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *StreamHub) unsubscribe(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// StreamHandler serves the tenant's live job events as SSE. Must be mounted
// outside the request timeout middleware; the connection lives until the
// client disconnects.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Stream == nil {
			writeErrorEnvelope(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "event stream is not enabled")
			return
		}
		pr, ok := PrincipalFromContext(r.Context())
		if !ok {
			s.writeError(w, r, fmt.Errorf("op=http.stream: %w", domain.ErrUnauthenticated))
			return
		}
		fl, ok := w.(http.Flusher)
		if !ok {
			writeErrorEnvelope(w, r, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		// The server's write timeout would sever the stream; roll the deadline
		// forward on every frame instead. Errors are ignored so recorders and
		// other deadline-less writers still work.
		rc := http.NewResponseController(w)
		deadline := s.Stream.heartbeat + 30*time.Second
		extend := func() { _ = rc.SetWriteDeadline(time.Now().Add(deadline)) }

		extend()
		fmt.Fprint(w, ": connected\n\n")
		fl.Flush()

		client := s.Stream.subscribe(pr.Tenant.String())
		observability.SSEClientConnected()
		defer func() {
			s.Stream.unsubscribe(client)
			observability.SSEClientDisconnected()
		}()

		hb := time.NewTicker(s.Stream.heartbeat)
		defer hb.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-hb.C:
				extend()
				fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
				fl.Flush()
			case ev := <-client.ch:
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				extend()
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, b)
				fl.Flush()
			}
		}
	}
}
