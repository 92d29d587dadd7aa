// Package events streams committed ledger events to observers over websocket and plain JSON.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"fundfeed/internal/ledger"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	writeTimeout = 5 * time.Second
	maxBatch     = 1000
)

type Source interface {
	EventsSince(cursor uint64) ([]ledger.Event, uint64)
	Subscribe() (<-chan struct{}, func())
}

type Server struct {
	src          Source
	pollInterval time.Duration
	log          *zap.Logger
	clients      atomic.Int64
}

func NewServer(src Source, pollInterval time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Server{src: src, pollInterval: pollInterval, log: log}
}

// Clients is the number of connected stream subscribers.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// Stream upgrades to a websocket and sends every event after ?cursor= as one JSON text frame,
// optionally restricted to ?kinds=a,b.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	cursor, kinds, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("event stream accept failed", zap.Error(err))
		return
	}
	s.clients.Add(1)
	defer s.clients.Add(-1)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := conn.CloseRead(r.Context())
	wake, cancel := s.src.Subscribe()
	defer cancel()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		events, next := s.src.EventsSince(cursor)
		for _, ev := range events {
			if !kinds.match(ev.Kind) {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if ctx.Err() == nil {
					s.log.Debug("event stream write failed", zap.Error(err))
				}
				return
			}
		}
		cursor = next
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

type listResponse struct {
	Events []ledger.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// List returns up to maxBatch events after ?cursor= as JSON.
func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	cursor, kinds, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, next := s.src.EventsSince(cursor)
	resp := listResponse{Events: make([]ledger.Event, 0, len(events)), Next: next}
	for _, ev := range events {
		if len(resp.Events) == maxBatch {
			resp.Next = resp.Events[len(resp.Events)-1].Seq
			break
		}
		if kinds.match(ev.Kind) {
			resp.Events = append(resp.Events, ev)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug("event list write failed", zap.Error(err))
	}
}

type kindFilter map[string]struct{}

func (k kindFilter) match(kind string) bool {
	if len(k) == 0 {
		return true
	}
	_, ok := k[kind]
	return ok
}

func parseQuery(r *http.Request) (uint64, kindFilter, error) {
	q := r.URL.Query()
	var cursor uint64
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, nil, err
		}
		cursor = v
	}
	kinds := kindFilter{}
	for _, k := range strings.Split(q.Get("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[k] = struct{}{}
		}
	}
	return cursor, kinds, nil
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev ledger.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
