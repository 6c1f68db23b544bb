package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/codesand/codesand/internal/auth"
	"github.com/codesand/codesand/internal/dispatch"
)

// wsWriteTimeout bounds a single write to a client that stopped reading.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the key header authenticates
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	MaxLines int    `json:"max_lines,omitempty"`
	Flags    string `json:"flags,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string   `json:"type"`
	Content string   `json:"content,omitempty"`
	ID      string   `json:"id,omitempty"`
	Outcome string   `json:"outcome,omitempty"`
	Lines   []string `json:"lines,omitempty"`
}

// wsConn serializes writes to a websocket connection. A write that misses
// its deadline closes the connection, which ends the read loop and cancels
// the run.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	dead bool
}

func (c *wsConn) send(msg wsOutgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.dead = true
		c.conn.Close()
	}
}

func (s *Server) handleRunWebSocket(w http.ResponseWriter, r *http.Request) {
	runner := chi.URLParam(r, "runner")
	if _, err := s.dispatcher.Languages().Get(runner); err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	// Upgrade to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn}
	remote := r.RemoteAddr
	subject := auth.Subject(r.Context())

	var (
		wg      sync.WaitGroup
		running sync.Mutex
		current string
	)
	defer func() {
		if current != "" {
			s.runs.Cancel(current)
		}
		wg.Wait()
	}()

	// Read loop. Runs execute in the background so a disconnect or a
	// cancel message is noticed while output is streaming.
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("websocket read")
			}
			return
		}

		switch msg.Type {
		case "run":
			if !running.TryLock() {
				c.send(wsOutgoing{Type: "error", Content: "a run is already in progress"})
				continue
			}
			ctx, ar := s.runs.Start(context.Background(), runner, remote)
			current = ar.ID
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer running.Unlock()
				defer s.runs.Remove(ar.ID)
				s.streamRun(ctx, c, dispatch.Request{
					Runner:     runner,
					Code:       msg.Content,
					MaxLines:   msg.MaxLines,
					Flags:      msg.Flags,
					RemoteAddr: remote,
					Subject:    subject,
				})
			}()
		case "cancel":
			if current != "" {
				s.runs.Cancel(current)
			}
		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

func (s *Server) streamRun(ctx context.Context, c *wsConn, req dispatch.Request) {
	req.OnLine = func(line string) {
		c.send(wsOutgoing{Type: "line", Content: line})
	}
	res, err := s.dispatcher.Run(ctx, req)
	if err != nil {
		_, msg := runErrorStatus(err)
		c.send(wsOutgoing{Type: "error", Content: msg})
		return
	}
	lines := res.Lines
	if lines == nil {
		lines = []string{}
	}
	c.send(wsOutgoing{Type: "done", ID: res.ID, Outcome: res.Outcome.String(), Lines: lines})
}
