package main

import (
	"sync"
	"testing"
	"time"

	"lingo/conversation"
	"lingo/playback"
)

type fakeFeed struct {
	updates  chan conversation.Snapshot
	failures chan conversation.Failure
	levels   chan float64

	mu      sync.Mutex
	entries []conversation.Entry
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		updates:  make(chan conversation.Snapshot),
		failures: make(chan conversation.Failure),
		levels:   make(chan float64),
	}
}

func (f *fakeFeed) Snapshot() conversation.Snapshot       { return conversation.Snapshot{} }
func (f *fakeFeed) Updates() <-chan conversation.Snapshot { return f.updates }
func (f *fakeFeed) Failures() <-chan conversation.Failure { return f.failures }
func (f *fakeFeed) Levels() <-chan float64                { return f.levels }
func (f *fakeFeed) Transcript() []conversation.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conversation.Entry(nil), f.entries...)
}

func (f *fakeFeed) addEntry(o conversation.Origin) {
	f.mu.Lock()
	f.entries = append(f.entries, conversation.Entry{Origin: o, Timestamp: time.Now()})
	f.mu.Unlock()
}

func (f *fakeFeed) end() {
	close(f.updates)
	close(f.failures)
}

type recordingSink struct {
	states      []conversation.State
	failures    []conversation.ErrorKind
	levels      []float64
	transcripts []int
}

func (r *recordingSink) StateChanged(s conversation.Snapshot) { r.states = append(r.states, s.State) }
func (r *recordingSink) Failure(f conversation.Failure)       { r.failures = append(r.failures, f.Kind) }
func (r *recordingSink) AudioLevel(l float64)                 { r.levels = append(r.levels, l) }
func (r *recordingSink) TranscriptChanged(e []conversation.Entry) {
	r.transcripts = append(r.transcripts, len(e))
}

type fakeCues struct{ got []playback.Cue }

func (f *fakeCues) Cue(c playback.Cue) { f.got = append(f.got, c) }

func runPump(t *testing.T, feed *fakeFeed, sink EventSink, cues cuer) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(feed, sink, cues)
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not return after the feed closed")
	}
}

func TestPumpForwardsAndCues(t *testing.T) {
	feed := newFakeFeed()
	sink := &recordingSink{}
	cues := &fakeCues{}
	done := runPump(t, feed, sink, cues)

	feed.updates <- conversation.Snapshot{State: conversation.Recording}
	feed.levels <- 0.3
	feed.updates <- conversation.Snapshot{State: conversation.Sending}
	feed.addEntry(conversation.User)
	feed.updates <- conversation.Snapshot{State: conversation.AwaitingResponse, Turns: 1}
	feed.failures <- conversation.Failure{Kind: conversation.KindPlayback}
	feed.end()
	waitDone(t, done)

	wantStates := []conversation.State{conversation.Idle, conversation.Recording, conversation.Sending, conversation.AwaitingResponse}
	if len(sink.states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", sink.states, wantStates)
	}
	for i := range wantStates {
		if sink.states[i] != wantStates[i] {
			t.Errorf("states[%d] = %s, want %s", i, sink.states[i], wantStates[i])
		}
	}
	if len(sink.levels) != 1 || sink.levels[0] != 0.3 {
		t.Errorf("levels = %v", sink.levels)
	}
	if len(sink.transcripts) != 1 || sink.transcripts[0] != 1 {
		t.Errorf("transcripts = %v, want one update with 1 entry", sink.transcripts)
	}
	wantCues := []playback.Cue{playback.CueStart, playback.CueStop, playback.CueError}
	if len(cues.got) != len(wantCues) {
		t.Fatalf("cues = %v, want %v", cues.got, wantCues)
	}
	for i := range wantCues {
		if cues.got[i] != wantCues[i] {
			t.Errorf("cues[%d] = %v, want %v", i, cues.got[i], wantCues[i])
		}
	}
}

func TestPumpNoStopCueOnDrop(t *testing.T) {
	feed := newFakeFeed()
	cues := &fakeCues{}
	done := runPump(t, feed, &recordingSink{}, cues)

	feed.updates <- conversation.Snapshot{State: conversation.Recording}
	feed.updates <- conversation.Snapshot{State: conversation.Idle}
	feed.end()
	waitDone(t, done)

	if len(cues.got) != 1 || cues.got[0] != playback.CueStart {
		t.Errorf("cues = %v, want only the start cue", cues.got)
	}
}

func TestPumpWithoutCues(t *testing.T) {
	feed := newFakeFeed()
	sink := &recordingSink{}
	done := runPump(t, feed, sink, nil)

	feed.updates <- conversation.Snapshot{State: conversation.Recording}
	feed.failures <- conversation.Failure{Kind: conversation.KindSend}
	feed.end()
	waitDone(t, done)

	if len(sink.failures) != 1 || sink.failures[0] != conversation.KindSend {
		t.Errorf("failures = %v", sink.failures)
	}
}
