package controller

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/relay"
)

const defaultRoom = "lobby"

type iHub interface {
	Join(room string, conn relay.Conn) string
	Leave(id string)
	Forward(senderID string, env domain.Envelope)
	Count(room string) int
	PeerIDs(room string) []string
}

type iCatalog interface {
	Scan() ([]domain.CatalogEntry, error)
}

type controller struct {
	hub       iHub
	catalog   iCatalog
	mediaRoot string
	version   string
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewController(hub iHub, catalog iCatalog, mediaRoot, version string, logger *slog.Logger) *controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &controller{
		hub:       hub,
		catalog:   catalog,
		mediaRoot: mediaRoot,
		version:   version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}
