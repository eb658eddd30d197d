package audio

// Tick is one time-aligned pair of microphone and system buffers. System is
// nil when system capture is disabled.
type Tick struct {
	Mic    []float32
	System []float32
}

// Pairer lines up the interleaved channel buffers coming out of Capture into
// mic/system ticks. Both streams are assumed to be clocked identically, so the
// n-th mic buffer is paired with the n-th system buffer.
//
// Pairer is not safe for concurrent use; it belongs to the goroutine draining
// Capture.Data().
type Pairer struct {
	withSystem bool
	mic        [][]float32
	sys        [][]float32
	maxLag     int
}

// NewPairer creates a pairer. withSystem=false emits one tick per mic buffer.
// maxLag bounds how many unmatched buffers one side may queue before the
// oldest is emitted alone (its partner treated as silence).
func NewPairer(withSystem bool, maxLag int) *Pairer {
	if maxLag <= 0 {
		maxLag = 8
	}
	return &Pairer{withSystem: withSystem, maxLag: maxLag}
}

// Push adds a channel buffer and returns the ticks that became complete.
func (p *Pairer) Push(data ChannelData) []Tick {
	switch data.Channel {
	case ChannelMicrophone:
		if !p.withSystem {
			return []Tick{{Mic: data.Samples}}
		}
		p.mic = append(p.mic, data.Samples)
	case ChannelSystem:
		if !p.withSystem {
			return nil
		}
		p.sys = append(p.sys, data.Samples)
	}

	var ticks []Tick
	for len(p.mic) > 0 && len(p.sys) > 0 {
		ticks = append(ticks, Tick{Mic: p.mic[0], System: p.sys[0]})
		p.mic = p.mic[1:]
		p.sys = p.sys[1:]
	}

	// One side stalled (device hiccup): don't let the other side pile up.
	for len(p.mic) > p.maxLag {
		ticks = append(ticks, Tick{Mic: p.mic[0]})
		p.mic = p.mic[1:]
	}
	for len(p.sys) > p.maxLag {
		ticks = append(ticks, Tick{System: p.sys[0]})
		p.sys = p.sys[1:]
	}

	return ticks
}

// Flush emits whatever is still queued, unpaired.
func (p *Pairer) Flush() []Tick {
	var ticks []Tick
	for len(p.mic) > 0 || len(p.sys) > 0 {
		var t Tick
		if len(p.mic) > 0 {
			t.Mic = p.mic[0]
			p.mic = p.mic[1:]
		}
		if len(p.sys) > 0 {
			t.System = p.sys[0]
			p.sys = p.sys[1:]
		}
		ticks = append(ticks, t)
	}
	return ticks
}
