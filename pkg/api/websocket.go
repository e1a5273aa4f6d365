package api

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
)

const wsWriteTimeout = 5 * time.Second

// handleStream upgrades to WebSocket and streams the run's events live.
// Query parameters: after=<event_id> replays history from a cursor
// before going live; include_tokens=true opts into llm.token deltas.
func (s *Server) handleStream(c *gin.Context) {
	runID := c.Param("id")
	if _, err := s.store.GetRun(c.Request.Context(), runID, requestScope(c)); err != nil {
		writeStoreError(c, err)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		slog.Warn("websocket accept failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	includeTokens := c.Query("include_tokens") == "true"

	s.streamRun(c.Request.Context(), conn, runID, after, includeTokens)
}

// streamCommand is a reader-to-writer message; all socket writes happen
// on the writer goroutine.
type streamCommand struct {
	action        string
	afterID       int64
	includeTokens *bool
}

// streamRun pumps a run's events over one socket: catch-up from the
// cursor first, then live delivery from the bus, refetching from
// storage whenever the subscription reports an overflow.
func (s *Server) streamRun(ctx context.Context, conn *websocket.Conn,
	runID string, after int64, includeTokens bool) {

	sub := s.bus.Subscribe(runID)
	sub.SetIncludeTokens(includeTokens)
	defer func() {
		s.bus.Unsubscribe(sub)
		if s.listener != nil && s.bus.SubscriberCount(runID) == 0 {
			// Last local subscriber gone; stop LISTENing for this run.
			unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.listener.Unsubscribe(unsubCtx, events.RunChannel(runID)); err != nil {
				slog.Warn("notify unsubscribe failed", "run_id", runID, "error", err)
			}
		}
	}()
	if s.listener != nil {
		if err := s.listener.Subscribe(ctx, events.RunChannel(runID)); err != nil {
			slog.Warn("notify subscribe failed, stream limited to local events",
				"run_id", runID, "error", err)
		}
	}

	cmds := make(chan streamCommand, 8)
	readerDone := make(chan struct{})
	go s.readClientMessages(ctx, conn, cmds, readerDone)

	var lastSent int64
	send := func(e *models.Event) bool {
		if e.ID <= lastSent {
			return true
		}
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, e); err != nil {
			return false
		}
		lastSent = e.ID
		return true
	}

	// catchUp streams stored events after afterID, honoring the token
	// opt-out, and reports whether a terminal event was reached.
	catchUp := func(afterID int64) (bool, bool) {
		stored, err := s.store.EventsSince(ctx, runID, afterID)
		if err != nil {
			slog.Warn("stream catch-up failed", "run_id", runID, "error", err)
			return false, true
		}
		for _, e := range stored {
			if e.Type == models.EventLLMToken && !includeTokens {
				continue
			}
			if !send(e) {
				return false, false
			}
			if e.Type.Terminal() {
				return true, true
			}
		}
		return false, true
	}

	if after > 0 {
		if terminal, ok := catchUp(after); terminal || !ok {
			conn.Close(websocket.StatusNormalClosure, "stream complete")
			return
		}
	}

	for {
		if sub.Stale() {
			// The inbox overflowed; the store is the source of truth.
			sub.ClearStale()
			if terminal, ok := catchUp(lastSent); terminal || !ok {
				conn.Close(websocket.StatusNormalClosure, "stream complete")
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case e, open := <-sub.Events():
			if !open {
				return
			}
			if !send(e) {
				return
			}
			if e.Type.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "stream complete")
				return
			}
		case cmd := <-cmds:
			switch cmd.action {
			case "catchup":
				if terminal, ok := catchUp(cmd.afterID); terminal || !ok {
					conn.Close(websocket.StatusNormalClosure, "stream complete")
					return
				}
			case "ping":
				wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := wsjson.Write(wctx, conn, gin.H{"type": "pong"})
				cancel()
				if err != nil {
					return
				}
			case "set_options":
				if cmd.includeTokens != nil {
					includeTokens = *cmd.includeTokens
					sub.SetIncludeTokens(includeTokens)
				}
			}
		}
	}
}

// readClientMessages parses inbound client messages and forwards them
// as commands to the writer goroutine.
func (s *Server) readClientMessages(ctx context.Context, conn *websocket.Conn,
	cmds chan<- streamCommand, done chan<- struct{}) {
	defer close(done)

	for {
		var msg events.ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 &&
				!errors.Is(err, context.Canceled) {
				slog.Debug("websocket read ended", "error", err)
			}
			return
		}

		cmd := streamCommand{action: msg.Action}
		if msg.LastEventID != nil {
			cmd.afterID = *msg.LastEventID
		}
		cmd.includeTokens = msg.IncludeTokens

		select {
		case cmds <- cmd:
		case <-ctx.Done():
			return
		}
	}
}
