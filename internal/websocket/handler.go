package websocket

import (
	"log/slog"
	"net/http"
	"strconv"

	ws "github.com/coder/websocket"
)

// HandleFeed upgrades the request and streams events. The optional cafe_id
// query parameter limits the feed to one cafe.
func HandleFeed(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cafeID int64
		if raw := r.URL.Query().Get("cafe_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id < 0 {
				http.Error(w, "invalid cafe_id", http.StatusBadRequest)
				return
			}
			cafeID = id
		}

		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		NewClient(hub, conn, cafeID).Run(r.Context())
	}
}
