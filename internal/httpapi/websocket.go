package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is token-authenticated; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket, replays the task's recorded
// history, then forwards live events until the task reaches a terminal
// status or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := s.registry.Get(taskID)
	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}

	// Subscribe before snapshotting so no event falls between the two.
	events, cancel := s.registry.Watch(taskID)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader goroutine only consumes control frames and detects close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	view := task.View()
	for _, ev := range view.History {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}
	if view.Status.Terminal() {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.HistoryEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}
