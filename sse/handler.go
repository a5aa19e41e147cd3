// Package sse streams agent bus messages to HTTP clients as Server-Sent
// Events. Archived messages are replayed before live ones.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petal-labs/grimoire/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Handler serves an SSE stream of one bus topic. The topic comes from the
// "topic" route parameter.
//
// Query parameters:
//
//	after  skip archived messages with a sequence number at or below it
//	limit  close the stream after that many messages (0 streams until the
//	       client disconnects)
//
// SSE format:
//
//	id: {seq}
//	event: {topic}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval.
type Handler struct {
	store     bus.MessageStore
	bus       bus.Bus
	heartbeat time.Duration
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHeartbeat overrides HeartbeatInterval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler. store may be nil, in which case only live
// messages are streamed.
func NewHandler(store bus.MessageStore, b bus.Bus, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		bus:       b,
		heartbeat: HeartbeatInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := uintParam(r, "after")
	if err != nil {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}
	limit, err := uintParam(r, "limit")
	if err != nil {
		http.Error(w, "invalid limit parameter", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is missed.
	// Headers go out only once the subscription is live.
	sub, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		h.logger.Error("sse subscribe failed", "topic", topic, "err", err)
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &stream{w: w, flusher: flusher, lastSeq: afterSeq, limit: limit}
	if h.store != nil {
		done, err := h.replay(ctx, s, topic, afterSeq)
		if err != nil {
			h.logger.Warn("sse replay failed", "topic", topic, "err", err)
			return
		}
		if done {
			return
		}
	}
	h.live(ctx, s, sub)
}

type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	lastSeq uint64
	limit   uint64
	sent    uint64
}

// send writes msg and reports whether the limit was reached.
func (s *stream) send(msg bus.Message) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Topic, data); err != nil {
		return false, err
	}
	s.flusher.Flush()
	if msg.Seq > s.lastSeq {
		s.lastSeq = msg.Seq
	}
	s.sent++
	return s.limit > 0 && s.sent >= s.limit, nil
}

func (h *Handler) replay(ctx context.Context, s *stream, topic string, afterSeq uint64) (bool, error) {
	msgs, err := h.store.List(ctx, topic, afterSeq, 0)
	if err != nil {
		return false, err
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return true, nil
		}
		done, err := s.send(msg)
		if err != nil || done {
			return true, err
		}
	}
	return false, nil
}

// live streams subscription messages, skipping those already replayed.
func (h *Handler) live(ctx context.Context, s *stream, sub bus.Subscription) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if msg.Seq <= s.lastSeq {
				continue
			}
			done, err := s.send(msg)
			if err != nil || done {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
				return
			}
			s.flusher.Flush()
		}
	}
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
