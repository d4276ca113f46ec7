package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Samples are 16-bit signed little-endian at rest. The floating point
// domain used by the resampler divides by 32768 and reconstructs with
// clamping so reconstruction can never overflow.

// BytesToSamples converts little-endian PCM bytes into int16 samples.
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm data must be an even number of bytes, got %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples, nil
}

// SamplesToBytes converts int16 samples into little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data
}

// SamplesToWAV wraps PCM samples in a canonical 44-byte RIFF/WAVE header.
// Transcription providers reject headerless PCM, so anything leaving the
// process as "a file" goes through here first.
func SamplesToWAV(samples []int16, sampleRate, channels int) []byte {
	pcm := SamplesToBytes(samples)
	dataSize := uint32(len(pcm))

	wav := make([]byte, 0, 44+len(pcm))
	wav = append(wav, 'R', 'I', 'F', 'F')
	wav = binary.LittleEndian.AppendUint32(wav, 36+dataSize)
	wav = append(wav, 'W', 'A', 'V', 'E')
	wav = append(wav, 'f', 'm', 't', ' ')
	wav = binary.LittleEndian.AppendUint32(wav, 16)
	wav = binary.LittleEndian.AppendUint16(wav, 1) // PCM
	wav = binary.LittleEndian.AppendUint16(wav, uint16(channels))
	wav = binary.LittleEndian.AppendUint32(wav, uint32(sampleRate))
	wav = binary.LittleEndian.AppendUint32(wav, uint32(sampleRate*channels*2))
	wav = binary.LittleEndian.AppendUint16(wav, uint16(channels*2))
	wav = binary.LittleEndian.AppendUint16(wav, 16) // bits per sample
	wav = append(wav, 'd', 'a', 't', 'a')
	wav = binary.LittleEndian.AppendUint32(wav, dataSize)
	wav = append(wav, pcm...)
	return wav
}

// ApplyGain scales samples by gainDB decibels in place, clamping to the
// valid int16 range.
func ApplyGain(samples []int16, gainDB float64) {
	if gainDB == 0 {
		return
	}
	linear := math.Pow(10, gainDB/20)
	for i, s := range samples {
		samples[i] = clampSample(float64(s) * linear)
	}
}

// RMS computes the root mean square level of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBLevel computes the signal level in dBFS.
func DBLevel(samples []int16) float64 {
	rms := RMS(samples)
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/math.MaxInt16)
}

// TrimSilence strips leading and trailing samples whose magnitude does
// not exceed threshold. Interior silence is preserved.
func TrimSilence(samples []int16, threshold int16) []int16 {
	start := 0
	for start < len(samples) && abs16(samples[start]) <= threshold {
		start++
	}
	end := len(samples)
	for end > start && abs16(samples[end-1]) <= threshold {
		end--
	}
	out := make([]int16, end-start)
	copy(out, samples[start:end])
	return out
}

func abs16(s int16) int16 {
	if s < 0 {
		if s == math.MinInt16 {
			return math.MaxInt16
		}
		return -s
	}
	return s
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
