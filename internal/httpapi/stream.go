package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynotes/internal/note"
)

const streamWriteTimeout = 10 * time.Second

// handleStream pushes every inserted batch to the client as a JSON array.
// A client that falls StreamBuffer batches behind is disconnected.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	batches := make(chan []note.Note, s.cfg.StreamBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	cancel := s.notes.Subscribe(func(batch []note.Note) {
		select {
		case batches <- batch:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			s.logger.Warn("stream client too slow", zap.String("correlation_id", correlationID))
			_ = conn.Close(websocket.StatusTryAgainLater, "client too slow")
			return
		case batch := <-batches:
			writeCtx, done := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, batch)
			done()
			if err != nil {
				return
			}
		}
	}
}
