package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/scanlist/internal/scanlist"
)

// handleEventStream upgrades to a websocket and pushes the list's status
// events as they are recorded. Events after ?cursor= are replayed first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	listID := mux.Vars(r)["id"]
	cursor := r.URL.Query().Get("cursor")
	if _, err := s.store.GetEvents(listID, cursor, 1); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("list_id", listID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	err = s.streamEvents(ctx, conn, listID, cursor)
	switch {
	case errors.Is(err, scanlist.ErrNotFound):
		conn.Close(websocket.StatusNormalClosure, "list deleted")
	case err == nil || errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		s.logger.Debug("event stream ended", zap.String("list_id", listID), zap.Error(err))
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, listID, cursor string) error {
	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()
	for {
		for {
			feed, err := s.store.GetEvents(listID, cursor, 100)
			if err != nil {
				return err
			}
			for _, event := range feed.Events {
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, event)
				cancel()
				if err != nil {
					return err
				}
				cursor = event.EventID
			}
			if feed.NextCursor == nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
