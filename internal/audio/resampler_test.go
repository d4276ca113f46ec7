package audio

import (
	"math"
	"testing"
)

func TestNewResampler_RejectsBadRates(t *testing.T) {
	if _, err := NewResampler(0, 16000); err == nil {
		t.Error("expected error for zero input rate")
	}
	if _, err := NewResampler(24000, -1); err == nil {
		t.Error("expected error for negative output rate")
	}
}

func TestResampler_OutLen(t *testing.T) {
	down, _ := NewResampler(24000, 16000)

	n, err := down.OutLen(480)
	if err != nil {
		t.Fatalf("OutLen(480): %v", err)
	}
	if n != 320 {
		t.Errorf("OutLen(480) = %d, want 320", n)
	}

	// 481 input samples would produce a fractional output count.
	if _, err := down.OutLen(481); err == nil {
		t.Error("expected error for non-divisible block size")
	}

	up, _ := NewResampler(16000, 24000)
	n, err = up.OutLen(320)
	if err != nil {
		t.Fatalf("OutLen(320): %v", err)
	}
	if n != 480 {
		t.Errorf("OutLen(320) = %d, want 480", n)
	}
}

func TestResampler_DCPreserved(t *testing.T) {
	r, _ := NewResampler(16000, 24000)

	block := make([]float64, 320)
	for i := range block {
		block[i] = 0.5
	}

	// Run a few blocks so the filter history fills with signal.
	var out []float64
	for i := 0; i < 4; i++ {
		var err error
		out, err = r.Resample(block)
		if err != nil {
			t.Fatalf("Resample: %v", err)
		}
	}

	for i, v := range out {
		if math.Abs(v-0.5) > 1e-3 {
			t.Fatalf("out[%d] = %f, want ~0.5", i, v)
		}
	}
}

func TestResampler_SineToneSurvivesDownsampling(t *testing.T) {
	r, _ := NewResampler(24000, 16000)

	// 1kHz tone, well below both Nyquist limits.
	const freq = 1000.0
	amp := func(out []float64) float64 {
		peak := 0.0
		for _, v := range out {
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
		return peak
	}

	var last []float64
	sample := 0
	for b := 0; b < 6; b++ {
		block := make([]float64, 480)
		for i := range block {
			block[i] = 0.8 * math.Sin(2*math.Pi*freq*float64(sample)/24000)
			sample++
		}
		out, err := r.Resample(block)
		if err != nil {
			t.Fatalf("Resample: %v", err)
		}
		last = out
	}

	if len(last) != 320 {
		t.Fatalf("output length = %d, want 320", len(last))
	}
	if peak := amp(last); math.Abs(peak-0.8) > 0.05 {
		t.Errorf("peak = %f, want ~0.8", peak)
	}
}

func TestResampler_ContinuityAcrossBlocks(t *testing.T) {
	// Resampling a ramp in two blocks or one should agree except for
	// the block boundary transient the history removes.
	twoBlocks, _ := NewResampler(16000, 24000)
	oneBlock, _ := NewResampler(16000, 24000)

	ramp := make([]float64, 640)
	for i := range ramp {
		ramp[i] = float64(i) / 640
	}

	a1, err := twoBlocks.Resample(ramp[:320])
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	a2, err := twoBlocks.Resample(ramp[320:])
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	split := append(a1, a2...)

	whole, err := oneBlock.Resample(ramp)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}

	if len(split) != len(whole) {
		t.Fatalf("length mismatch: %d vs %d", len(split), len(whole))
	}
	for i := range whole {
		if math.Abs(split[i]-whole[i]) > 1e-9 {
			t.Fatalf("sample %d differs: %f vs %f", i, split[i], whole[i])
		}
	}
}

func TestResampler_ResampleInt16Clamps(t *testing.T) {
	r, _ := NewResampler(16000, 24000)

	block := make([]int16, 320)
	for i := range block {
		block[i] = math.MaxInt16
	}

	for i := 0; i < 3; i++ {
		out, err := r.ResampleInt16(block)
		if err != nil {
			t.Fatalf("ResampleInt16: %v", err)
		}
		if len(out) != 480 {
			t.Fatalf("output length = %d, want 480", len(out))
		}
	}
}

func TestResampler_Reset(t *testing.T) {
	r, _ := NewResampler(16000, 24000)

	loud := make([]float64, 320)
	for i := range loud {
		loud[i] = 1.0
	}
	if _, err := r.Resample(loud); err != nil {
		t.Fatalf("Resample: %v", err)
	}

	r.Reset()

	silence := make([]float64, 320)
	out, err := r.Resample(silence)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %f after reset, want 0", i, v)
		}
	}
}
