// Package server exposes a read-only view of the sender: a websocket feed
// of snapshots and traffic, the current snapshot and the active config.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/cncstream/internal/config"
	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/sender"
)

// Source is the part of the sender the server observes.
type Source interface {
	Snapshot() machine.Snapshot
	Subscribe() (<-chan sender.Event, func())
}

// Server broadcasts sender state to WebSocket clients.
type Server struct {
	cfg   *config.Config
	src   Source
	webFS fs.FS
	log   zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// coalesce position and state changes into one frame per tick
	frameInterval time.Duration
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State   *machine.Snapshot   `json:"state,omitempty"`
	Job     *sender.JobProgress `json:"job,omitempty"`
	Log     *LogEntry           `json:"log,omitempty"`
	Message string              `json:"message,omitempty"`
	Event   string              `json:"event,omitempty"` // "finished", "aborted", "disconnected"
	Detail  string              `json:"detail,omitempty"`
	Stamp   int64               `json:"stamp"` // Unix ms
}

// LogEntry is one line of controller traffic.
type LogEntry struct {
	Dir  string `json:"dir"` // ">" sent, "<" received
	Text string `json:"text"`
}

// New creates a new Server. webFS may be nil to serve the API only.
func New(cfg *config.Config, src Source, webFS fs.FS, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		src:     src,
		webFS:   webFS,
		log:     log.With().Str("component", "server").Logger(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		frameInterval: 100 * time.Millisecond,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves HTTP and broadcasts sender events until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.Broadcast(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial snapshot goes out before the client joins the broadcast set.
	snap := s.src.Snapshot()
	if data, err := json.Marshal(Frame{State: &snap, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug().Int("clients", n).Msg("client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine; the feed is read-only, incoming messages are dropped
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Debug().Int("clients", n).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.src.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Broadcast forwards sender events to every client until ctx is done.
// Traffic and job events go out immediately; state and position changes
// are folded into one snapshot frame per interval.
func (s *Server) Broadcast(ctx context.Context) {
	events, unsubscribe := s.src.Subscribe()
	defer unsubscribe()
	tick := time.NewTicker(s.frameInterval)
	defer tick.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if f, send := s.frame(ev); send {
				s.broadcast(f)
			} else {
				dirty = true
			}
		case <-tick.C:
			if dirty {
				snap := s.src.Snapshot()
				s.broadcast(Frame{State: &snap, Stamp: time.Now().UnixMilli()})
				dirty = false
			}
		}
	}
}

// frame maps an event to an immediate frame; false means the event only
// marks the snapshot dirty.
func (s *Server) frame(ev sender.Event) (Frame, bool) {
	f := Frame{Stamp: time.Now().UnixMilli()}
	switch e := ev.(type) {
	case sender.LogLine:
		f.Log = &LogEntry{Dir: e.Dir.String(), Text: e.Text}
	case sender.Message:
		f.Message = e.Text
	case sender.JobProgress:
		f.Job = &e
	case sender.JobFinished:
		f.Event = "finished"
		if e.Aborted {
			f.Event = "aborted"
		}
		if e.Err != nil {
			f.Detail = e.Err.Error()
		}
	case sender.Disconnected:
		f.Event = "disconnected"
		if e.Err != nil {
			f.Detail = e.Err.Error()
		}
	default:
		return f, false
	}
	return f, true
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
