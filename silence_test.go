package main

import "testing"

func feed(m *silenceMonitor, level float64, n int) []SilenceEvent {
	var events []SilenceEvent
	for i := 0; i < n; i++ {
		m.Observe(level)
		if ev := m.Tick(); ev != SilenceNone {
			events = append(events, ev)
		}
	}
	return events
}

func count(events []SilenceEvent, want SilenceEvent) int {
	n := 0
	for _, ev := range events {
		if ev == want {
			n++
		}
	}
	return n
}

func TestSilenceWarnAfter8s(t *testing.T) {
	m := newSilenceMonitor(false)
	if evs := feed(m, 0, 79); len(evs) != 0 {
		t.Fatalf("events before 8s: %v", evs)
	}
	m.Observe(0)
	if ev := m.Tick(); ev != SilenceWarn {
		t.Fatalf("tick 80 = %d, want SilenceWarn", ev)
	}
}

func TestQuietNoiseIsSilence(t *testing.T) {
	m := newSilenceMonitor(false)
	if evs := feed(m, voiceLevel/2, 80); count(evs, SilenceWarn) != 1 {
		t.Fatalf("events = %v, want one warning", evs)
	}
}

func TestPeakWithinTickCounts(t *testing.T) {
	m := newSilenceMonitor(false)
	for i := 0; i < 200; i++ {
		m.Observe(0)
		m.Observe(0.3)
		m.Observe(0)
		if ev := m.Tick(); ev == SilenceWarn {
			t.Fatalf("warned at tick %d with a voiced reading every tick", i)
		}
	}
}

func TestSilenceWarnClearsOnVoice(t *testing.T) {
	m := newSilenceMonitor(false)
	feed(m, 0, 80)
	if evs := feed(m, 0.2, 80); count(evs, SilenceWarnClear) != 1 {
		t.Fatalf("events = %v, want a clear", evs)
	}
}

func TestWarnStaysDuringSparseNoise(t *testing.T) {
	m := newSilenceMonitor(false)
	feed(m, 0, 80)
	for i := 0; i < 80; i++ {
		level := 0.0
		if i%10 == 0 {
			level = 0.2
		}
		m.Observe(level)
		if ev := m.Tick(); ev == SilenceWarnClear {
			t.Fatalf("cleared at tick %d with 10%% voice", i)
		}
	}
}

func TestWarnOnlyOnce(t *testing.T) {
	m := newSilenceMonitor(false)
	evs := feed(m, 0, 300)
	if n := count(evs, SilenceWarn); n != 1 {
		t.Fatalf("got %d warnings, want 1", n)
	}
	if n := count(evs, SilenceRepeat) + count(evs, SilenceAutoStop); n != 0 {
		t.Fatalf("reminders or auto-stop without hands-free mode: %v", evs)
	}
}

func TestHandsFreeRepeatThenStop(t *testing.T) {
	m := newSilenceMonitor(true)
	evs := feed(m, 0, 300)
	if len(evs) == 0 || evs[0] != SilenceWarn {
		t.Fatalf("events = %v", evs)
	}
	if count(evs, SilenceRepeat) == 0 {
		t.Error("no reminder before auto-stop")
	}
	if evs[len(evs)-1] != SilenceAutoStop {
		t.Errorf("last event = %d, want SilenceAutoStop at 30s", evs[len(evs)-1])
	}
}

func TestHandsFreeKeptAliveByVoice(t *testing.T) {
	m := newSilenceMonitor(true)
	for i := 0; i < 500; i++ {
		level := 0.0
		if i%10 < 7 {
			level = 0.1
		}
		m.Observe(level)
		if ev := m.Tick(); ev == SilenceAutoStop {
			t.Fatalf("auto-stopped at tick %d while talking", i)
		}
	}
}
