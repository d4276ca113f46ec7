package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// The opus coder chain runs at a single fixed rate. Devices speak
// nominal-rate PCM framed in 20 ms units, so every frame crosses the
// resampler in both directions.
const (
	// CodecSampleRate is the canonical rate the opus coder operates at.
	CodecSampleRate = 24000
	// DeviceSampleRate is the nominal rate of device-side PCM.
	DeviceSampleRate = 16000
	// Channels is fixed mono across the whole chain.
	Channels = 1
	// FrameDurationMs is the duration of one compressed frame.
	FrameDurationMs = 20

	// CodecFrameSamples is one frame at the codec rate (480).
	CodecFrameSamples = CodecSampleRate * FrameDurationMs / 1000
	// DeviceFrameSamples is one frame at the device rate (320).
	DeviceFrameSamples = DeviceSampleRate * FrameDurationMs / 1000

	// maxPacketSize bounds one encoded opus frame.
	maxPacketSize = 4000
)

// Transcoder converts between compressed wire frames and device-rate
// PCM. It holds live coder and resampler state and is therefore owned
// exclusively by one connection; it must never be pooled or shared.
type Transcoder struct {
	enc *opus.Encoder
	dec *opus.Decoder

	// up converts device-rate PCM to codec rate before encoding, down
	// converts decoded codec-rate PCM back to device rate.
	up   *Resampler
	down *Resampler
}

// NewTranscoder creates a transcoder with fresh coder state.
func NewTranscoder() (*Transcoder, error) {
	enc, err := opus.NewEncoder(CodecSampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(CodecSampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	up, err := NewResampler(DeviceSampleRate, CodecSampleRate)
	if err != nil {
		return nil, err
	}
	down, err := NewResampler(CodecSampleRate, DeviceSampleRate)
	if err != nil {
		return nil, err
	}
	return &Transcoder{enc: enc, dec: dec, up: up, down: down}, nil
}

// Decode decodes one compressed frame at the codec rate and resamples
// the result down to the device rate. A failure here is recoverable;
// callers are expected to fall back to forwarding the raw bytes.
func (t *Transcoder) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty audio frame")
	}
	pcm := make([]int16, CodecFrameSamples)
	n, err := t.dec.Decode(frame, pcm)
	if err != nil {
		return nil, fmt.Errorf("decode opus frame: %w", err)
	}
	// Trim to a whole number of output samples; opus frames at a
	// nonstandard duration decode short.
	n -= n % downBlockStep
	if n == 0 {
		return nil, fmt.Errorf("decoded frame too short (%d bytes in)", len(frame))
	}
	return t.down.ResampleInt16(pcm[:n])
}

// downBlockStep is the smallest codec-rate block that maps to a whole
// number of device-rate samples (3 samples at 24000 -> 2 at 16000).
const downBlockStep = CodecSampleRate / 8000

// Encode splits device-rate PCM into fixed 20 ms blocks, zero-padding a
// trailing partial block rather than dropping it, and encodes each block
// into one independent compressed frame. Callers must transmit each
// returned frame as a separately addressable unit: frame boundaries are
// semantically meaningful to the receiver.
func (t *Transcoder) Encode(samples []int16) ([][]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	frameCount := (len(samples) + DeviceFrameSamples - 1) / DeviceFrameSamples
	frames := make([][]byte, 0, frameCount)

	block := make([]int16, DeviceFrameSamples)
	for i := 0; i < frameCount; i++ {
		for j := range block {
			block[j] = 0
		}
		copy(block, samples[i*DeviceFrameSamples:min(len(samples), (i+1)*DeviceFrameSamples)])

		upsampled, err := t.up.ResampleInt16(block)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, maxPacketSize)
		n, err := t.enc.Encode(upsampled, buf)
		if err != nil {
			return nil, fmt.Errorf("encode opus frame %d: %w", i, err)
		}
		frames = append(frames, buf[:n])
	}
	return frames, nil
}
