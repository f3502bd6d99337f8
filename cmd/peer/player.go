package main

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// metadataDelay simulates the gap between selecting a video and the
// player reporting loaded metadata.
const metadataDelay = 20 * time.Millisecond

type playerEvents interface {
	OnPlay()
	OnPause()
	OnSeeked()
	OnRateChange()
	OnMetadataLoaded()
}

// virtualPlayer is a headless media player: it has no decoder, just a
// position that advances with the clock while playing. Event callbacks
// are delivered asynchronously, matching how a real player emits events
// in reaction to imperative calls.
type virtualPlayer struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	events   playerEvents
	video    string
	paused   bool
	rate     float64
	position float64
	markedAt time.Time
}

func newVirtualPlayer(clock clockwork.Clock) *virtualPlayer {
	return &virtualPlayer{
		clock:  clock,
		paused: true,
		rate:   1,
	}
}

func (p *virtualPlayer) setEvents(events playerEvents) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = events
}

func (p *virtualPlayer) Video() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.video
}

func (p *virtualPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.paused
}

func (p *virtualPlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.positionLocked()
}

func (p *virtualPlayer) PlaybackRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rate
}

func (p *virtualPlayer) Load(video string) {
	p.mu.Lock()
	p.video = video
	p.position = 0
	p.markedAt = p.clock.Now()
	p.mu.Unlock()

	p.clock.AfterFunc(metadataDelay, func() {
		p.emit(func(e playerEvents) { e.OnMetadataLoaded() })
	})
}

func (p *virtualPlayer) Play() error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = false
	p.markedAt = p.clock.Now()
	p.mu.Unlock()

	go p.emit(func(e playerEvents) { e.OnPlay() })
	return nil
}

func (p *virtualPlayer) Pause() {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	p.position = p.positionLocked()
	p.paused = true
	p.mu.Unlock()

	go p.emit(func(e playerEvents) { e.OnPause() })
}

func (p *virtualPlayer) Seek(seconds float64) {
	p.mu.Lock()
	p.position = seconds
	p.markedAt = p.clock.Now()
	p.mu.Unlock()

	go p.emit(func(e playerEvents) { e.OnSeeked() })
}

func (p *virtualPlayer) SetPlaybackRate(rate float64) {
	p.mu.Lock()
	p.position = p.positionLocked()
	p.markedAt = p.clock.Now()
	p.rate = rate
	p.mu.Unlock()

	go p.emit(func(e playerEvents) { e.OnRateChange() })
}

func (p *virtualPlayer) positionLocked() float64 {
	if p.paused {
		return p.position
	}
	return p.position + p.clock.Since(p.markedAt).Seconds()*p.rate
}

func (p *virtualPlayer) emit(fn func(playerEvents)) {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()

	if events != nil {
		fn(events)
	}
}
