package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string                  `json:"type"`
	ID      string                  `json:"id,omitempty"`
	Stream  string                  `json:"stream,omitempty"`
	Content string                  `json:"content,omitempty"`
	Success *bool                   `json:"success,omitempty"`
	Error   *string                 `json:"error,omitempty"`
	Result  *sandbox.WorkloadResult `json:"result,omitempty"`
}

// wsConn serializes writes; guest stdout and stderr arrive on separate
// goroutines.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (c *wsConn) send(v wsOutgoing) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("websocket marshal error", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("websocket write error", zap.Error(err))
	}
}

// handleWebSocket runs one workload at a time per connection, streaming
// its output. Closing the connection cancels the in-flight run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
		defer s.metrics.WSConnections.Dec()
	}

	c := &wsConn{conn: conn, logger: s.logger}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		current string
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			cancel()
			return
		}

		switch msg.Type {
		case "run":
			if msg.Path == "" {
				c.send(wsOutgoing{Type: "error", Content: "path is required"})
				continue
			}
			mu.Lock()
			busy := current != ""
			mu.Unlock()
			if busy {
				c.send(wsOutgoing{Type: "error", Content: "a run is already in progress"})
				continue
			}

			runCtx, ar := s.runs.Start(ctx, msg.Path)
			mu.Lock()
			current = ar.ID
			mu.Unlock()

			wg.Add(1)
			go func(path string) {
				defer wg.Done()
				res := s.streamRun(runCtx, c, ar.ID, path)

				s.runs.Finish(ar.ID)
				mu.Lock()
				current = ""
				mu.Unlock()

				b := res.Binding()
				c.send(wsOutgoing{Type: "done", ID: ar.ID, Success: &b.Success, Error: b.Error, Result: &res})
			}(msg.Path)

		case "cancel":
			mu.Lock()
			id := current
			mu.Unlock()
			if id == "" || !s.runs.Cancel(id) {
				c.send(wsOutgoing{Type: "error", Content: "no run in progress"})
			}

		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

func (s *Server) streamRun(ctx context.Context, c *wsConn, id, path string) sandbox.WorkloadResult {
	c.send(wsOutgoing{Type: "started", ID: id})

	return s.sandbox.Run(ctx, path,
		sandbox.WithRunID(id),
		sandbox.WithStream(func(ch sandbox.Chunk) {
			c.send(wsOutgoing{Type: "output", ID: id, Stream: ch.Stream, Content: ch.Data})
		}),
	)
}
