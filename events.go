package main

import (
	"lingo/conversation"
	"lingo/playback"
)

// EventSink abstracts the display layer so both the terminal UI and the
// headless test mode receive the same conversation events.
type EventSink interface {
	StateChanged(s conversation.Snapshot)
	Failure(f conversation.Failure)
	AudioLevel(level float64)
	TranscriptChanged(entries []conversation.Entry)
}

// conversationFeed is the part of the orchestrator the pump reads.
type conversationFeed interface {
	Snapshot() conversation.Snapshot
	Updates() <-chan conversation.Snapshot
	Failures() <-chan conversation.Failure
	Levels() <-chan float64
	Transcript() []conversation.Entry
}

type cuer interface {
	Cue(c playback.Cue)
}

// pump forwards conversation output to sink until the conversation ends.
// Cues mark the recording edges and every failure when cues is not nil. A
// recording that ends in Idle was dropped and gets no stop cue.
func pump(o conversationFeed, sink EventSink, cues cuer) {
	prev := o.Snapshot()
	turns := prev.Turns
	sink.StateChanged(prev)

	updates, failures, levels := o.Updates(), o.Failures(), o.Levels()
	for updates != nil || failures != nil {
		select {
		case s, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if cues != nil {
				switch {
				case !prev.Recording() && s.Recording():
					cues.Cue(playback.CueStart)
				case prev.Recording() && !s.Recording() && s.State != conversation.Idle:
					cues.Cue(playback.CueStop)
				}
			}
			prev = s
			sink.StateChanged(s)
			if s.Turns != turns {
				turns = s.Turns
				sink.TranscriptChanged(o.Transcript())
			}
		case f, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			if cues != nil {
				cues.Cue(playback.CueError)
			}
			sink.Failure(f)
		case lvl, ok := <-levels:
			if !ok {
				levels = nil
				continue
			}
			sink.AudioLevel(lvl)
		}
	}
}
