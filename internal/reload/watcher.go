// Package reload detects a backend redeploy through a version token and
// reacts with a clean client reload that preserves playback position.
package reload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultPollInterval = 5 * time.Second

type iProbe interface {
	Version(ctx context.Context) (string, error)
}

type Config struct {
	PollInterval time.Duration
}

// Watcher remembers the first version token it sees and treats any later
// mismatch (pushed over the relay or polled from the version endpoint)
// as a redeploy: capture playback state first, then force a reload.
type Watcher struct {
	mu      sync.Mutex
	token   string
	probe   iProbe
	capture func()
	reload  func()
	clock   clockwork.Clock
	poll    time.Duration
	logger  *slog.Logger
}

func NewWatcher(probe iProbe, capture, reload func(), clock clockwork.Clock, cfg *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	poll := DefaultPollInterval
	if cfg != nil && cfg.PollInterval > 0 {
		poll = cfg.PollInterval
	}

	return &Watcher{
		probe:   probe,
		capture: capture,
		reload:  reload,
		clock:   clock,
		poll:    poll,
		logger:  logger,
	}
}

// Observe feeds a version token from any source. The first observation
// only stores the token; any later mismatch triggers capture-then-reload.
func (w *Watcher) Observe(version string) {
	if version == "" {
		return
	}

	w.mu.Lock()
	if w.token == "" {
		w.token = version
		w.mu.Unlock()
		return
	}
	if w.token == version {
		w.mu.Unlock()
		return
	}
	w.token = version
	w.mu.Unlock()

	w.logger.Info("reload: server version changed", "version", version)
	w.capture()
	w.reload()
}

// Run polls the version probe independently of the relay connection, so a
// missed push notification still gets recovered. Probe failures are
// ignored; the next tick tries again.
func (w *Watcher) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			version, err := w.probe.Version(ctx)
			if err != nil {
				w.logger.Debug("reload: version probe failed", "err", err)
				continue
			}
			w.Observe(version)
		}
	}
}
