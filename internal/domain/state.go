package domain

// PlaybackState is the wire snapshot of one peer's player. It is
// constructed fresh from live player fields on every send and never
// mutated afterwards.
type PlaybackState struct {
	Video        string  `json:"video" validate:"required"`
	Paused       bool    `json:"paused"`
	Time         float64 `json:"time" validate:"gte=0"`
	PlaybackRate float64 `json:"playbackRate" validate:"gt=0"`
	PlayAll      *bool   `json:"playAll,omitempty"`
	// Reason tags the event that produced the snapshot ("play", "seek",
	// "heartbeat", ...). Display only: it must never gate protocol
	// decisions.
	Reason string `json:"reason,omitempty"`
}

// CachedState is the last applied snapshot, persisted locally so a peer
// can seed its player across restarts and forced reloads.
type CachedState struct {
	Video        string  `json:"video"`
	Paused       bool    `json:"paused"`
	Time         float64 `json:"time"`
	PlaybackRate float64 `json:"playbackRate"`
	PlayAll      bool    `json:"playAll"`
	CapturedAt   int64   `json:"capturedAt"`
}

// CatalogEntry describes one item of the shared media library. The
// synchronization engine treats Name as an opaque ordered playlist key;
// everything else is for the player/UI.
type CatalogEntry struct {
	Name               string `json:"name"`
	HLSReady           bool   `json:"hlsReady"`
	PrimaryPlaylistURL string `json:"primaryPlaylistUrl"`
	MasterPlaylistURL  string `json:"masterPlaylistUrl"`
	HasSubtitles       bool   `json:"hasSubtitles"`
}
