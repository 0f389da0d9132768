package playback

import "math"

// Cue is a short tone played around recording.
type Cue int

const (
	CueStart Cue = iota
	CueStop
	CueError
)

const cueSampleRate = 44100

var cueFormat = Format{SampleRate: cueSampleRate, Channels: 1}

func generateTick(freq, duration, volume, decay float64) []int16 {
	n := int(cueSampleRate * duration)
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		t := float64(i) / cueSampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func generateDoubleBeep(freq, beepDur, gapDur, volume, decay float64) []int16 {
	beep := generateTick(freq, beepDur, volume, decay)
	gap := make([]int16, int(cueSampleRate*gapDur))
	result := make([]int16, 0, len(beep)*2+len(gap))
	result = append(result, beep...)
	result = append(result, gap...)
	return append(result, beep...)
}

func (p *Player) initCues() {
	p.cues = map[Cue][]int16{
		// 200ms tails keep short ticks from being cut off by the output buffer.
		CueStart: generateTick(1200, 0.2, 0.5, 60),
		CueStop:  generateTick(900, 0.2, 0.5, 40),
		CueError: generateDoubleBeep(350, 0.08, 0.05, 0.6, 30),
	}
}

// Cue plays c in the background, next to any reply being rendered.
func (p *Player) Cue(c Cue) {
	if p.noCues {
		return
	}
	p.cueOnce.Do(p.initCues)
	samples, ok := p.cues[c]
	if !ok {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.cueWG.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.cueWG.Done()
		if err := p.render(cueFormat, samples); err != nil {
			p.report(err)
		}
	}()
}
