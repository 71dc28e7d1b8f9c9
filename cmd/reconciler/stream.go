package main

import (
	"context"
	"net/http"
	"time"

	"reims/pkg/httpx"
	"reims/pkg/recerr"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	streamPing  = 30 * time.Second
	streamWrite = 5 * time.Second
)

type streamHello struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// streamEvents forwards lifecycle events over a websocket. ?session_id=
// narrows the feed to one session.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, recerr.ReasonUnknown, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSOrigins) > 0 {
		opts.OriginPatterns = s.WSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.Log.Debug("websocket accept", zap.Error(err))
		return
	}
	// Clients never send; CloseRead consumes control frames and ends ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	sub := s.Hub.Subscribe(64, sessionID)
	defer s.Hub.Unsubscribe(sub)

	reason := "closed"
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, reason) }()
	if err := wsjson.Write(ctx, conn, streamHello{Type: "ready", SessionID: sessionID}); err != nil {
		return
	}
	ping := time.NewTicker(streamPing)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, done := context.WithTimeout(ctx, streamWrite)
			err := conn.Ping(pctx)
			done()
			if err != nil {
				reason = "ping_failed"
				return
			}
		case evt, ok := <-sub:
			if !ok {
				return
			}
			wctx, done := context.WithTimeout(ctx, streamWrite)
			err := wsjson.Write(wctx, conn, evt)
			done()
			if err != nil {
				s.Log.Debug("stream write", zap.String("session_id", sessionID), zap.Int("dropped", s.Hub.Dropped(sub)), zap.Error(err))
				reason = "write_failed"
				return
			}
		}
	}
}
