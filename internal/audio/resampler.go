package audio

import (
	"fmt"
	"math"
)

// resamplerTaps is the half-width of the interpolation kernel in input
// samples. The kernel spans 2*resamplerTaps points around each output
// position.
const resamplerTaps = 8

// Resampler converts between two fixed sample rates using windowed-sinc
// interpolation. It carries filter history across calls so consecutive
// blocks join without discontinuities, which makes an instance
// non-reentrant: one Resampler per direction per connection, never
// shared.
type Resampler struct {
	inRate  int
	outRate int
	// step is the input-time advance per output sample.
	step float64
	// cutoff relative to the input Nyquist frequency; below 1 when
	// downsampling to suppress aliasing.
	cutoff float64
	// prev holds the tail of the previous input block. Interpolation is
	// delayed by resamplerTaps input samples so the kernel always has
	// real samples on both sides.
	prev []float64
}

// NewResampler creates a resampler for the given fixed rate pair. The
// ratio must be rational with small terms (the engine only ever uses
// 24000↔16000).
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", inRate, outRate)
	}
	cutoff := 1.0
	if outRate < inRate {
		cutoff = float64(outRate) / float64(inRate)
	}
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    float64(inRate) / float64(outRate),
		cutoff:  cutoff,
		prev:    make([]float64, 2*resamplerTaps),
	}, nil
}

// OutLen returns the exact number of output samples produced for an
// input block of n samples. n*outRate must divide evenly by inRate.
func (r *Resampler) OutLen(n int) (int, error) {
	if (n*r.outRate)%r.inRate != 0 {
		return 0, fmt.Errorf("block of %d samples is not a whole number of output samples at %d -> %d", n, r.inRate, r.outRate)
	}
	return n * r.outRate / r.inRate, nil
}

// Resample consumes exactly one input block and emits the corresponding
// output block. The output length is fixed per call by the rate ratio.
func (r *Resampler) Resample(block []float64) ([]float64, error) {
	outLen, err := r.OutLen(len(block))
	if err != nil {
		return nil, err
	}

	// ext = [history | current block]; output time n*step maps to
	// position 2T + n*step - T in ext, trailing the newest input by T
	// samples so the kernel never reads past the end.
	ext := make([]float64, 0, len(r.prev)+len(block))
	ext = append(ext, r.prev...)
	ext = append(ext, block...)

	base := float64(resamplerTaps)
	out := make([]float64, outLen)
	for n := 0; n < outLen; n++ {
		t := base + float64(n)*r.step
		i0 := int(math.Floor(t))
		var acc, wsum float64
		for j := i0 - resamplerTaps + 1; j <= i0+resamplerTaps; j++ {
			w := r.kernel(t - float64(j))
			acc += ext[j] * w
			wsum += w
		}
		if wsum != 0 {
			out[n] = acc / wsum
		}
	}

	copy(r.prev, ext[len(ext)-2*resamplerTaps:])
	return out, nil
}

// ResampleInt16 is Resample over the int16 wire domain: divide by 32768
// into floats, interpolate, multiply back with clamping.
func (r *Resampler) ResampleInt16(block []int16) ([]int16, error) {
	in := make([]float64, len(block))
	for i, s := range block {
		in[i] = float64(s) / 32768.0
	}
	resampled, err := r.Resample(in)
	if err != nil {
		return nil, err
	}
	out := make([]int16, len(resampled))
	for i, f := range resampled {
		out[i] = clampSample(f * 32768.0)
	}
	return out, nil
}

// Reset clears the filter history.
func (r *Resampler) Reset() {
	for i := range r.prev {
		r.prev[i] = 0
	}
}

// kernel is the Hann-windowed sinc evaluated at x input samples from
// the interpolation point.
func (r *Resampler) kernel(x float64) float64 {
	ax := math.Abs(x)
	if ax >= resamplerTaps {
		return 0
	}
	window := 0.5 * (1 + math.Cos(math.Pi*ax/resamplerTaps))
	return r.cutoff * sinc(r.cutoff*x) * window
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}
