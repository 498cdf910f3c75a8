package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storyos/server/internal/engine"
	"storyos/server/internal/interfaces"
)

// streamFrame is one NDJSON line or websocket text frame
type streamFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status,omitempty"`
	// set on settled frames
	Outcome   string `json:"outcome,omitempty"`
	TurnCount int    `json:"turn_count,omitempty"`
}

// settled frame outcomes
const (
	outcomeCommitted        = "committed"
	outcomeUnchanged        = "unchanged"
	outcomeExtractionFailed = "extraction_failed"
	outcomeCommitFailed     = "commit_failed"
	outcomeFailed           = "failed"
)

func frameFor(ev interfaces.StreamEvent) streamFrame {
	f := streamFrame{Type: ev.Kind.String()}
	switch ev.Kind {
	case interfaces.EventFragment:
		f.Text = ev.Text
	case interfaces.EventFailed:
		if ev.Err != nil {
			f.Error = ev.Err.Error()
		}
	}
	return f
}

// settledFrame reports that the turn finished every step and released the
// session's turn lock, so the next turn will be accepted.
func settledFrame(o engine.Outcome) streamFrame {
	f := streamFrame{Type: "settled"}
	switch {
	case o.State == engine.StateFailed:
		f.Outcome = outcomeFailed
	case o.Session != nil:
		f.Outcome = outcomeCommitted
		f.TurnCount = o.Session.TurnCount
	case o.ExtractionErr != nil:
		f.Outcome = outcomeExtractionFailed
	case o.CommitErr != nil:
		f.Outcome = outcomeCommitFailed
	default:
		f.Outcome = outcomeUnchanged
	}
	return f
}

type turnRequest struct {
	Input string `json:"input"`
}

func (s *Server) playTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	turn, err := s.engine.PlayTurn(r.Context(), chi.URLParam(r, "sessionID"), req.Input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamNDJSON(w, r, turn)
}

func (s *Server) startStory(w http.ResponseWriter, r *http.Request) {
	turn, err := s.engine.StartStory(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamNDJSON(w, r, turn)
}

// streamNDJSON writes each turn event as a JSON line and flushes it. The
// events channel is always drained so the turn can finish. The response
// ends with a settled line once extraction and commit are done.
func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request, turn *engine.Turn) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	broken := false
	for ev := range turn.Events() {
		if broken {
			continue
		}
		if err := enc.Encode(frameFor(ev)); err != nil {
			s.log.Debug().Err(err).Str("session_id", turn.SessionID).Msg("stream client went away")
			broken = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if broken {
		return
	}

	out, err := turn.Wait(r.Context())
	if err != nil {
		return
	}
	if err := enc.Encode(settledFrame(out)); err == nil && flusher != nil {
		flusher.Flush()
	}
}

type clientMessage struct {
	Type  string `json:"type"`
	Input string `json:"input,omitempty"`
}

// serveWS upgrades to a websocket that accepts turn and start messages and
// receives the session's visualization notifications
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.engine.Session(r.Context(), sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(s.hub, sessionID, conn)
	s.hub.Register(client)
	client.readPump(func(c *Client, data []byte) {
		s.handleClientMessage(ctx, c, data)
	})
}

func (s *Server) handleClientMessage(ctx context.Context, c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendFrame(c, streamFrame{Type: "error", Error: "invalid message", Status: http.StatusBadRequest})
		return
	}

	var (
		turn *engine.Turn
		err  error
	)
	switch msg.Type {
	case "turn":
		turn, err = s.engine.PlayTurn(ctx, c.SessionID, msg.Input)
	case "start":
		turn, err = s.engine.StartStory(ctx, c.SessionID)
	default:
		s.sendFrame(c, streamFrame{Type: "error", Error: "unknown message type: " + msg.Type, Status: http.StatusBadRequest})
		return
	}
	if err != nil {
		s.sendFrame(c, streamFrame{Type: "error", Error: err.Error(), Status: statusFor(err)})
		return
	}

	// turn frames wait for buffer space so narration arrives complete
	go func() {
		gone := false
		for ev := range turn.Events() {
			if !gone && !s.deliverFrame(c, frameFor(ev)) {
				gone = true
			}
		}
		if gone {
			return
		}
		if out, err := turn.Wait(ctx); err == nil {
			s.deliverFrame(c, settledFrame(out))
		}
	}()
}

// sendFrame queues a reply without waiting
func (s *Server) sendFrame(c *Client, f streamFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		s.log.Debug().Str("client_id", c.ID).Str("type", f.Type).Msg("dropped frame for closed or slow client")
	}
}

func (s *Server) deliverFrame(c *Client, f streamFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	if !c.deliver(data) {
		s.log.Debug().Str("client_id", c.ID).Str("type", f.Type).Msg("client left before turn frame was sent")
		return false
	}
	return true
}
