package watch

import (
	"strings"
	"time"
)

// spinnerDots is the width of the activity strip; one dot fades per
// decayStep of event silence, so a full strip empties in about the
// default heartbeat interval.
const (
	spinnerDots = 5
	decayStep   = 2 * time.Second
)

// Ticker rotates through frames to show the monitor itself is alive.
type Ticker struct {
	frames   []string
	index    int
	lastTick time.Time
}

func NewTicker() Ticker {
	return Ticker{
		frames:   []string{"◐", "◓", "◑", "◒"},
		lastTick: time.Now(),
	}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
	t.lastTick = time.Now()
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Spinner shows agent activity as a strip of dots that lights up on each
// event and fades with silence. It keeps no tick state: the strip is
// derived from the last event time at render.
type Spinner struct {
	lastEvent time.Time
}

func NewSpinner() Spinner {
	return Spinner{}
}

func (s *Spinner) OnEvent() {
	s.lastEvent = time.Now()
}

func (s Spinner) lit() int {
	if s.lastEvent.IsZero() {
		return 0
	}
	faded := int(time.Since(s.lastEvent) / decayStep)
	if faded >= spinnerDots {
		return 0
	}
	return spinnerDots - faded
}

func (s Spinner) Render(theme Theme) string {
	var result strings.Builder
	lit := s.lit()
	for i := 0; i < spinnerDots; i++ {
		if i < lit {
			result.WriteString(theme.TickerActive.Render("●"))
		} else {
			result.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return result.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
