package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchsync/server/internal/domain"
)

// Default policy constants. Debounce and settle are deliberately much
// shorter than the heartbeat interval; drift tolerance is tuned against
// the heartbeat cadence. All four are tunable through Config.
const (
	DefaultDebounceWindow    = 150 * time.Millisecond
	DefaultSettleDelay       = 100 * time.Millisecond
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultDriftTolerance    = 0.35
)

// Player is the local media player the engine drives. Implementations
// must deliver the engine's On* event callbacks asynchronously with
// respect to Player method calls: the engine holds its own lock while
// calling into the player.
type Player interface {
	Video() string
	Paused() bool
	CurrentTime() float64
	PlaybackRate() float64

	// Load switches the player to another catalog item. The player
	// reports readiness later via the engine's OnMetadataLoaded.
	Load(video string)
	// Play may fail (autoplay policy); the engine swallows the error.
	Play() error
	Pause()
	Seek(seconds float64)
	SetPlaybackRate(rate float64)
}

type iTransport interface {
	BroadcastState(domain.PlaybackState) error
	RequestState(requester string) error
	ReplyState(to string, state domain.PlaybackState) error
}

type iStore interface {
	Load() (domain.CachedState, bool, error)
	Save(domain.CachedState) error
}

// Status is the UI-facing sync phase. It never gates protocol decisions.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusConnected       Status = "connected"
	StatusWaitingForState Status = "waiting-for-state"
	StatusInSync          Status = "in-sync"
	StatusSyncing         Status = "syncing"
)

type guardState int

const (
	guardIdle guardState = iota
	// guardApplying marks that a remote snapshot is being applied; local
	// player events observed while it is held (up to guardUntil) are the
	// engine's own doing and must not be re-broadcast.
	guardApplying
)

type Config struct {
	DebounceWindow    time.Duration
	SettleDelay       time.Duration
	HeartbeatInterval time.Duration
	DriftTolerance    float64
}

func (c *Config) withDefaults() Config {
	cfg := Config{
		DebounceWindow:    DefaultDebounceWindow,
		SettleDelay:       DefaultSettleDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DriftTolerance:    DefaultDriftTolerance,
	}
	if c == nil {
		return cfg
	}
	if c.DebounceWindow > 0 {
		cfg.DebounceWindow = c.DebounceWindow
	}
	if c.SettleDelay > 0 {
		cfg.SettleDelay = c.SettleDelay
	}
	if c.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = c.HeartbeatInterval
	}
	if c.DriftTolerance > 0 {
		cfg.DriftTolerance = c.DriftTolerance
	}
	return cfg
}

// Engine keeps one peer's player eventually consistent with the most
// recently observed intent of any other peer. Peers are symmetric: there
// is no leader and no server-held state, only broadcast-on-change plus a
// periodic heartbeat with debounced last-write-wins application.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	clock     clockwork.Clock
	player    Player
	transport iTransport
	store     iStore
	logger    *slog.Logger

	// OnStatus, when set, is invoked on every phase change with the
	// display reason of the snapshot that caused it. Called with the
	// engine lock held: it must not call back into the engine.
	OnStatus func(status Status, reason string)

	peerID     string
	catalog    []domain.CatalogEntry
	playAll    bool
	guard      guardState
	guardUntil time.Time
	pending    *domain.PlaybackState
	lastPush   time.Time
	status     Status
}

func New(player Player, transport iTransport, store iStore, clock clockwork.Clock, cfg *Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		player:    player,
		transport: transport,
		store:     store,
		logger:    logger,
		status:    StatusIdle,
	}
}

// Run drives the heartbeat: while the player is playing, an unconditional
// state push every HeartbeatInterval. The heartbeat is the system's
// implicit retry mechanism; there are no acknowledgements.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.heartbeat()
		}
	}
}

// SetCatalog installs the shared ordered catalog. Catalog order is what
// makes independent auto-advance decisions converge across peers.
func (e *Engine) SetCatalog(catalog []domain.CatalogEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.catalog = catalog
}

// Connected records the relay-assigned peer identity and starts the join
// handshake by asking the room for its current state.
func (e *Engine) Connected(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.peerID = peerID
	e.setStatusLocked(StatusConnected, "join")

	if err := e.transport.RequestState(peerID); err != nil {
		e.logger.Debug("engine.Connected: request state failed", "err", err)
	}
	e.setStatusLocked(StatusWaitingForState, "join")
}

// Resync performs the join handshake on demand.
func (e *Engine) Resync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.peerID == "" {
		return
	}
	e.setStatusLocked(StatusWaitingForState, "resync")

	if err := e.transport.RequestState(e.peerID); err != nil {
		e.logger.Debug("engine.Resync: request state failed", "err", err)
	}
}

// Restore seeds the player from the persisted cache, before any remote
// state has arrived. A cached state whose video is gone from the catalog
// is ignored entirely, never partially applied.
func (e *Engine) Restore() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cached, ok, err := e.store.Load()
	if err != nil {
		e.logger.Debug("engine.Restore: load failed", "err", err)
		return
	}
	if !ok {
		return
	}
	if !e.inCatalogLocked(cached.Video) {
		e.logger.Debug("engine.Restore: cached video not in catalog", "video", cached.Video)
		return
	}

	playAll := cached.PlayAll
	e.applyRemoteLocked(domain.PlaybackState{
		Video:        cached.Video,
		Paused:       cached.Paused,
		Time:         cached.Time,
		PlaybackRate: cached.PlaybackRate,
		PlayAll:      &playAll,
		Reason:       "restore",
	})
}

// Capture persists the current snapshot. Called best-effort before a
// forced teardown or reload.
func (e *Engine) Capture() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.saveCacheLocked(e.snapshotLocked(""))
}

// Local player events. Each one broadcasts a fresh snapshot unless the
// re-entrancy guard is held, in which case the event is the engine's own
// remote application echoing back.

func (e *Engine) OnPlay()       { e.localChanged("play") }
func (e *Engine) OnPause()      { e.localChanged("pause") }
func (e *Engine) OnSeeked()     { e.localChanged("seek") }
func (e *Engine) OnRateChange() { e.localChanged("ratechange") }

// OnEnded advances to the next catalog entry when play-all is on. Every
// peer makes this decision independently on its own media-end; shared
// catalog order makes them converge, and residual drift from
// non-simultaneous end events is corrected by the next heartbeat.
func (e *Engine) OnEnded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.guardActiveLocked() {
		return
	}
	if !e.playAll {
		return
	}

	next := NextVideo(e.catalog, e.player.Video())
	if next == "" {
		return
	}

	e.pending = nil
	e.player.Load(next)
	e.pushLocked("auto-next")
}

// OnMetadataLoaded applies the deferred remote snapshot after a video
// switch. The pending value is consumed exactly once.
func (e *Engine) OnMetadataLoaded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return
	}

	st := *e.pending
	e.pending = nil
	e.applyRemoteLocked(st)
}

// SelectVideo is the explicit user action of picking another item.
func (e *Engine) SelectVideo(video string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if video == "" || video == e.player.Video() {
		return
	}

	e.pending = nil
	e.player.Load(video)
	e.pushLocked("video-change")
}

// SetPlayAll toggles automatic playlist advance.
func (e *Engine) SetPlayAll(playAll bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.playAll = playAll
	e.pushLocked("play-all")
}

// PlayAll reports whether automatic playlist advance is on.
func (e *Engine) PlayAll() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.playAll
}

// Status returns the current UI-facing phase.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.refreshGuardLocked()
	return e.status
}

// HandleState applies a remote snapshot, unless this peer pushed its own
// state within the debounce window; then the incoming message is a stale
// echo of a near-simultaneous change and is dropped unconditionally.
func (e *Engine) HandleState(st domain.PlaybackState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st.Video == "" {
		e.logger.Debug("engine.HandleState: dropped malformed state")
		return
	}
	if e.clock.Now().Sub(e.lastPush) < e.cfg.DebounceWindow {
		e.logger.Debug("engine.HandleState: dropped within debounce window", "reason", st.Reason)
		return
	}

	e.applyRemoteLocked(st)
}

// HandleReplyState applies a direct answer to this peer's own
// request-state. Same application path as a broadcast state.
func (e *Engine) HandleReplyState(st domain.PlaybackState) {
	e.HandleState(st)
}

// HandleRequestState answers a joining peer with this peer's current
// snapshot, addressed only to the requester so that rooms with more than
// two participants do not produce a broadcast storm.
func (e *Engine) HandleRequestState(requester string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if requester == "" || requester == e.peerID {
		return
	}

	if err := e.transport.ReplyState(requester, e.snapshotLocked("join")); err != nil {
		e.logger.Debug("engine.HandleRequestState: reply failed", "err", err)
	}
}

func (e *Engine) heartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.player.Paused() {
		return
	}
	if e.guardActiveLocked() {
		return
	}

	e.pushLocked("heartbeat")
}

func (e *Engine) localChanged(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.guardActiveLocked() {
		e.logger.Debug("engine: suppressed echo of remote application", "reason", reason)
		return
	}

	e.pushLocked(reason)
}

func (e *Engine) pushLocked(reason string) {
	e.lastPush = e.clock.Now()

	st := e.snapshotLocked(reason)
	if err := e.transport.BroadcastState(st); err != nil {
		e.logger.Debug("engine: broadcast failed", "reason", reason, "err", err)
	}
}

// applyRemoteLocked is the heart of the protocol: converge the local
// player onto a remote snapshot without re-broadcasting the player events
// that the convergence itself synthesizes.
func (e *Engine) applyRemoteLocked(st domain.PlaybackState) {
	e.guard = guardApplying
	e.guardUntil = e.clock.Now().Add(e.cfg.SettleDelay)
	e.setStatusLocked(StatusSyncing, st.Reason)

	if st.Video != e.player.Video() {
		// Defer time/pause/rate until the new media reports loaded
		// metadata; the full snapshot is re-applied then.
		pending := st
		e.pending = &pending
		e.guard = guardIdle
		e.player.Load(st.Video)
		return
	}

	if st.PlayAll != nil {
		e.playAll = *st.PlayAll
	}

	local := e.snapshotLocked("")
	plan := Reconcile(local, st, e.cfg.DriftTolerance)

	if plan.Seek {
		e.player.Seek(plan.SeekTo)
	}
	if plan.SetRate {
		e.player.SetPlaybackRate(plan.Rate)
	}
	if plan.Pause {
		e.player.Pause()
	} else if plan.Play {
		if err := e.player.Play(); err != nil {
			// Autoplay policy; the user can resume manually.
			e.logger.Debug("engine: play rejected", "err", err)
		}
	}

	e.saveCacheLocked(st)

	// The guard must outlive the native events just triggered. A
	// superseding snapshot arriving mid-settle re-runs this method and
	// extends the window.
	e.guardUntil = e.clock.Now().Add(e.cfg.SettleDelay)
}

// refreshGuardLocked retires an expired guard. The guard is cooperative:
// it is checked and cleared at the next engine reaction rather than by a
// preemptive timer, so with an injected clock the behavior is fully
// deterministic.
func (e *Engine) refreshGuardLocked() {
	if e.guard == guardApplying && !e.clock.Now().Before(e.guardUntil) {
		e.guard = guardIdle
		e.setStatusLocked(StatusInSync, "")
	}
}

func (e *Engine) guardActiveLocked() bool {
	e.refreshGuardLocked()
	return e.guard == guardApplying
}

func (e *Engine) snapshotLocked(reason string) domain.PlaybackState {
	playAll := e.playAll

	return domain.PlaybackState{
		Video:        e.player.Video(),
		Paused:       e.player.Paused(),
		Time:         e.player.CurrentTime(),
		PlaybackRate: e.player.PlaybackRate(),
		PlayAll:      &playAll,
		Reason:       reason,
	}
}

func (e *Engine) saveCacheLocked(st domain.PlaybackState) {
	cached := domain.CachedState{
		Video:        st.Video,
		Paused:       st.Paused,
		Time:         st.Time,
		PlaybackRate: st.PlaybackRate,
		PlayAll:      e.playAll,
		CapturedAt:   e.clock.Now().UnixMilli(),
	}

	if err := e.store.Save(cached); err != nil {
		e.logger.Debug("engine: cache save failed", "err", err)
	}
}

func (e *Engine) setStatusLocked(status Status, reason string) {
	if e.status == status {
		return
	}
	e.status = status

	if e.OnStatus != nil {
		e.OnStatus(status, reason)
	}
}

func (e *Engine) inCatalogLocked(video string) bool {
	for _, entry := range e.catalog {
		if entry.Name == video {
			return true
		}
	}
	return false
}
