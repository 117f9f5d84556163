package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // callers are identified by header, not origin
	},
}

// wsIncoming is a message from the client. Type is "execute" or "cancel".
type wsIncoming struct {
	Type string `json:"type"`
	executeRequest
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Content string           `json:"content,omitempty"`
	Result  *executeResponse `json:"result,omitempty"`
}

// wsJob is an accepted execute message with the context that cancels it.
type wsJob struct {
	msg  wsIncoming
	ctx  context.Context
	stop context.CancelFunc
}

// handleWebSocket runs executions sent over one connection, one at a time.
// An execute sent while another is running is rejected. A "cancel" message
// stops the running execution; closing the connection cancels it too.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var (
		mu      sync.Mutex // guards current
		wmu     sync.Mutex // serializes writes
		current context.CancelFunc
	)
	write := func(v wsOutgoing) {
		wmu.Lock()
		defer wmu.Unlock()
		s.wsWriteJSON(conn, v)
	}

	// The read loop never blocks on a running execution, so a cancel is
	// seen as soon as it arrives. At most one job is ever queued.
	jobs := make(chan wsJob, 1)
	go func() {
		defer close(jobs)
		defer cancel()
		for {
			var msg wsIncoming
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", "err", err)
				}
				return
			}
			switch msg.Type {
			case "cancel":
				mu.Lock()
				if current != nil {
					current()
				}
				mu.Unlock()
			case "execute":
				mu.Lock()
				if current != nil {
					mu.Unlock()
					write(wsOutgoing{Type: "error", ID: msg.ID, Content: "execution already running"})
					continue
				}
				runCtx, stop := context.WithCancel(ctx)
				current = stop
				mu.Unlock()
				jobs <- wsJob{msg: msg, ctx: runCtx, stop: stop}
			default:
				write(wsOutgoing{Type: "error", ID: msg.ID, Content: "invalid message type"})
			}
		}
	}()

	for job := range jobs {
		resp, err := s.svc.Execute(job.ctx, job.msg.toRequest(caller))
		mu.Lock()
		current = nil
		mu.Unlock()
		job.stop()

		switch {
		case resp != nil:
			// A cancelled run still has a terminal result worth reporting.
			out := toResponse(resp)
			write(wsOutgoing{Type: "result", ID: out.ID, Result: &out})
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			write(wsOutgoing{Type: "error", ID: job.msg.ID, Content: err.Error()})
		}
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("websocket marshal failed", "err", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", "err", err)
	}
}
