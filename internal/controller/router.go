package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (c *controller) GetMux() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/videos", c.handleVideos)
	r.Get("/api/version", c.handleVersion)
	r.Get("/api/rooms/{room}", c.handleRoom)
	r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(c.mediaRoot))))
	r.HandleFunc("/ws", c.handleWS)

	return r
}
