package audio

import "testing"

func buf(v float32) []float32 { return []float32{v} }

func TestPairer_PairsInOrder(t *testing.T) {
	p := NewPairer(true, 4)

	if ticks := p.Push(ChannelData{Channel: ChannelMicrophone, Samples: buf(1)}); len(ticks) != 0 {
		t.Fatalf("expected no tick before system buffer, got %d", len(ticks))
	}
	p.Push(ChannelData{Channel: ChannelMicrophone, Samples: buf(2)})

	ticks := p.Push(ChannelData{Channel: ChannelSystem, Samples: buf(10)})
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(ticks))
	}
	if ticks[0].Mic[0] != 1 || ticks[0].System[0] != 10 {
		t.Errorf("tick = %+v, want mic=1 sys=10", ticks[0])
	}

	ticks = p.Push(ChannelData{Channel: ChannelSystem, Samples: buf(20)})
	if len(ticks) != 1 || ticks[0].Mic[0] != 2 || ticks[0].System[0] != 20 {
		t.Errorf("second tick = %+v, want mic=2 sys=20", ticks)
	}
}

func TestPairer_MicOnly(t *testing.T) {
	p := NewPairer(false, 4)
	ticks := p.Push(ChannelData{Channel: ChannelMicrophone, Samples: buf(1)})
	if len(ticks) != 1 || ticks[0].System != nil {
		t.Fatalf("mic-only tick = %+v", ticks)
	}
	if ticks := p.Push(ChannelData{Channel: ChannelSystem, Samples: buf(1)}); ticks != nil {
		t.Errorf("system buffers must be ignored without system capture, got %+v", ticks)
	}
}

func TestPairer_StalledSideIsBounded(t *testing.T) {
	p := NewPairer(true, 2)
	var emitted []Tick
	for i := 0; i < 5; i++ {
		emitted = append(emitted, p.Push(ChannelData{Channel: ChannelMicrophone, Samples: buf(float32(i))})...)
	}
	if len(emitted) != 3 {
		t.Fatalf("expected 3 unpaired ticks, got %d", len(emitted))
	}
	for _, tk := range emitted {
		if tk.System != nil {
			t.Errorf("unpaired tick must have nil system buffer")
		}
	}

	rest := p.Flush()
	if len(rest) != 2 {
		t.Errorf("Flush() = %d ticks, want 2", len(rest))
	}
}
