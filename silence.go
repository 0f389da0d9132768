package main

import "time"

const (
	tickInterval     = 100 * time.Millisecond
	silenceWarnAfter = 8 * time.Second
	silenceStopAfter = 30 * time.Second

	// voiceLevel is the RMS a tick must reach to count as voice.
	voiceLevel       = 0.02
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // hysteresis: clearing needs more voice than warning
)

type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // no voice heard for a while
	SilenceWarnClear              // voice is back
	SilenceRepeat                 // still silent, remind again
	SilenceAutoStop               // hands-free mode gives up on the recording
)

// silenceMonitor watches microphone levels during one recording and tells
// the user when nothing seems to reach the microphone.
type silenceMonitor struct {
	autoStop  bool
	warnTicks int
	stopTicks int

	voiced  []bool // ring of the last stopTicks ticks
	ticks   int
	inStop  int // voiced ticks inside the ring
	peak    float64
	warned  bool
	lastRem int
}

func newSilenceMonitor(autoStop bool) *silenceMonitor {
	stop := int(silenceStopAfter / tickInterval)
	return &silenceMonitor{
		autoStop:  autoStop,
		warnTicks: int(silenceWarnAfter / tickInterval),
		stopTicks: stop,
		voiced:    make([]bool, stop),
	}
}

// Observe records a level reading taken since the last Tick.
func (m *silenceMonitor) Observe(level float64) {
	if level > m.peak {
		m.peak = level
	}
}

// Tick closes the current interval and reports what changed.
func (m *silenceMonitor) Tick() SilenceEvent {
	v := m.peak >= voiceLevel
	m.peak = 0
	return m.step(v)
}

func (m *silenceMonitor) step(voiced bool) SilenceEvent {
	slot := m.ticks % m.stopTicks
	if m.ticks >= m.stopTicks && m.voiced[slot] {
		m.inStop--
	}
	m.voiced[slot] = voiced
	if voiced {
		m.inStop++
	}
	m.ticks++

	recent := m.recentRatio(m.warnTicks)
	switch {
	case !m.warned && m.ticks >= m.warnTicks && recent < speechMinRatio:
		m.warned = true
		m.lastRem = m.ticks
		return SilenceWarn
	case m.warned && recent >= speechClearRatio:
		m.warned = false
		return SilenceWarnClear
	}

	if !m.autoStop {
		return SilenceNone
	}
	if m.ticks >= m.stopTicks && float64(m.inStop)/float64(m.stopTicks) < speechMinRatio {
		return SilenceAutoStop
	}
	if m.warned && m.ticks-m.lastRem >= m.warnTicks {
		m.lastRem = m.ticks
		return SilenceRepeat
	}
	return SilenceNone
}

// recentRatio is the voiced share of the last n ticks.
func (m *silenceMonitor) recentRatio(n int) float64 {
	n = min(n, m.ticks)
	if n == 0 {
		return 1
	}
	count := 0
	for i := 1; i <= n; i++ {
		if m.voiced[(m.ticks-i)%m.stopTicks] {
			count++
		}
	}
	return float64(count) / float64(n)
}
