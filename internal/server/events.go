package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pavel-fokin/files-relay/internal/events"
	"github.com/pavel-fokin/files-relay/internal/files"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FilesEvent is the message pushed to event subscribers after every
// registry change.
type FilesEvent struct {
	Type  string       `json:"type"`
	Files []files.Info `json:"files"`
}

func newFilesEvent(records []files.Record, device files.Device) FilesEvent {
	visible := files.FilterVisible(records, device)
	infos := make([]files.Info, 0, len(visible))
	for i := range visible {
		infos = append(infos, visible[i].Info())
	}
	return FilesEvent{Type: "files", Files: infos}
}

// fileEvents streams the visible file list over a websocket: once on
// connect, then on every change.
func fileEvents(fileService *files.Service, hub *events.Hub, done <-chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := files.DeviceFromAddr(r.RemoteAddr)

		// Subscribe before listing so no change is missed in between.
		sub := hub.Subscribe()
		defer sub.Close()

		records, err := fileService.List(r.Context(), device)
		if err != nil {
			slog.Error("List files failed", "error", err)
			writeError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("Websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// Clients send nothing; reading only serves control frames and
		// notices the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						slog.Debug("Websocket read failed", "error", err)
					}
					return
				}
			}
		}()

		send := func(records []files.Record) bool {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(newFilesEvent(records, device)); err != nil {
				slog.Debug("Websocket write failed", "error", err)
				return false
			}
			return true
		}
		if !send(records) {
			return
		}

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case records := <-sub.C:
				if !send(records) {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-closed:
				return
			case <-done:
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
		}
	}
}
