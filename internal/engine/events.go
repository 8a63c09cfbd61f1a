package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls further behind loses events rather than stalling uploads.
const subscriberBuffer = 64

// Broadcaster fans upload events out to any number of subscribers.
// Publishing never blocks: slow subscribers drop events.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once

	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()

			close(ch)
		})
	}

	return ch, unsubscribe
}

// Publish delivers an event to every subscriber that has room for it.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// EventServer serves the upload event stream to local clients over
// websocket. It binds to loopback only; events carry paths and progress
// but never tokens or upload URLs.
type EventServer struct {
	broadcaster *Broadcaster
	logger      *slog.Logger

	server   *http.Server
	listener net.Listener
}

// NewEventServer creates a server that streams events from b.
func NewEventServer(b *Broadcaster, logger *slog.Logger) *EventServer {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventServer{broadcaster: b, logger: logger}
}

// Listen binds the given address and starts serving in the background.
// Returns the bound address, useful when addr has port 0.
func (s *EventServer) Listen(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("event server stopped",
				slog.String("error", err.Error()),
			)
		}
	}()

	s.logger.Info("event stream listening",
		slog.String("addr", listener.Addr().String()),
	)

	return listener.Addr().String(), nil
}

// Shutdown stops accepting connections and closes active streams.
func (s *EventServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

// handleEvents upgrades the connection and streams events as JSON until
// the client disconnects.
func (s *EventServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed",
			slog.String("error", err.Error()),
		)

		return
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	// Clients only read; CloseRead surfaces their disconnect as context
	// cancellation.
	ctx := conn.CloseRead(r.Context())

	events, unsubscribe := s.broadcaster.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
