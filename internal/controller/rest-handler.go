package controller

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/couchsync/server/internal/domain"
)

type roomResponse struct {
	Room  string   `json:"room"`
	Count int      `json:"count"`
	Peers []string `json:"peers"`
}

func (c *controller) handleVideos(w http.ResponseWriter, r *http.Request) {
	entries, err := c.catalog.Scan()
	if err != nil {
		c.logger.ErrorContext(r.Context(), "failed to scan catalog", "err", err)
		http.Error(w, "media library unavailable", http.StatusServiceUnavailable)
		return
	}

	c.writeJSON(w, entries)
}

func (c *controller) handleVersion(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, domain.ServerVersionPayload{Version: c.version})
}

// handleRoom reports a room's occupancy; an ops/debug surface, the
// relay's own peers learn the count from room-info pushes.
func (c *controller) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	c.writeJSON(w, roomResponse{
		Room:  room,
		Count: c.hub.Count(room),
		Peers: c.hub.PeerIDs(room),
	})
}

func (c *controller) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Debug("failed to encode response", "err", err)
	}
}
