package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaylevel/internal/engine"
)

const streamWriteTimeout = 5 * time.Second

// streamHello is the first frame on /v1/stream so a client can render
// before the next engine event.
type streamHello struct {
	Type          string          `json:"type"`
	TabID         string          `json:"tabId"`
	CorrelationID string          `json:"correlationId"`
	Overrides     []overrideView  `json:"overrides"`
	Decision      engine.Decision `json:"decision"`
	Now           int64           `json:"now"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	events, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Clients only listen; CloseRead handles their close frame and cancels
	// ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	now := s.engine.Now()
	hello := streamHello{
		Type:          "hello",
		TabID:         s.engine.TabID(),
		CorrelationID: correlationID,
		Overrides:     viewsOf(s.engine.Snapshot(), now),
		Decision:      s.engine.Decision(),
		Now:           now.UnixMilli(),
	}
	if err := writeFrame(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine stopped")
				return
			}
			if err := writeFrame(ctx, conn, ev); err != nil {
				s.logger.Debug().Err(err).Str("correlation_id", correlationID).Msg("stream closed")
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}
