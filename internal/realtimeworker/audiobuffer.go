package realtimeworker

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/ssarunic/dalston/internal/model"
)

// chunkDurationMS is the fixed VAD processing chunk size (spec §4.14:
// "100ms chunks").
const chunkDurationMS = 100

// AudioBuffer decodes raw client audio frames into normalized float32
// samples and hands them out in fixed-duration chunks for VAD processing.
// Grounded on original_source/dalston/realtime_sdk/session.py's AudioBuffer.
type AudioBuffer struct {
	sampleRate   int
	encoding     model.AudioEncoding
	chunkSamples int

	buffer       []float32
	totalSamples int64
}

// NewAudioBuffer constructs a buffer for the negotiated sample rate and
// encoding.
func NewAudioBuffer(sampleRate int, encoding model.AudioEncoding) (*AudioBuffer, error) {
	switch encoding {
	case model.EncodingPCMS16LE, model.EncodingPCMF32LE, model.EncodingMulaw, model.EncodingAlaw:
	default:
		return nil, fmt.Errorf("realtimeworker: unsupported encoding %q", encoding)
	}
	return &AudioBuffer{
		sampleRate:   sampleRate,
		encoding:     encoding,
		chunkSamples: sampleRate * chunkDurationMS / 1000,
	}, nil
}

// Add decodes raw bytes in the buffer's negotiated encoding and appends the
// resulting samples.
func (b *AudioBuffer) Add(data []byte) error {
	samples, err := decode(b.encoding, data)
	if err != nil {
		return err
	}
	b.buffer = append(b.buffer, samples...)
	b.totalSamples += int64(len(samples))
	return nil
}

// NextChunk returns the next fixed-size chunk if enough audio has
// accumulated, consuming it from the buffer.
func (b *AudioBuffer) NextChunk() ([]float32, bool) {
	if len(b.buffer) < b.chunkSamples {
		return nil, false
	}
	chunk := append([]float32(nil), b.buffer[:b.chunkSamples]...)
	b.buffer = b.buffer[b.chunkSamples:]
	return chunk, true
}

// Flush returns and clears any remaining partial chunk.
func (b *AudioBuffer) Flush() []float32 {
	if len(b.buffer) == 0 {
		return nil
	}
	out := b.buffer
	b.buffer = nil
	return out
}

// TotalDuration returns total audio received so far.
func (b *AudioBuffer) TotalDuration() time.Duration {
	return time.Duration(float64(b.totalSamples) / float64(b.sampleRate) * float64(time.Second))
}

// ChunkDuration is the fixed duration every NextChunk result represents.
func (b *AudioBuffer) ChunkDuration() time.Duration {
	return chunkDurationMS * time.Millisecond
}

func decode(encoding model.AudioEncoding, data []byte) ([]float32, error) {
	switch encoding {
	case model.EncodingPCMS16LE:
		return decodePCMS16LE(data)
	case model.EncodingPCMF32LE:
		return decodePCMF32LE(data)
	case model.EncodingMulaw:
		return decodeCompanded(data, mulawToLinear), nil
	case model.EncodingAlaw:
		return decodeCompanded(data, alawToLinear), nil
	default:
		return nil, fmt.Errorf("realtimeworker: unsupported encoding %q", encoding)
	}
}

func decodePCMS16LE(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("realtimeworker: pcm_s16le frame has odd byte length %d", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}

func decodePCMF32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("realtimeworker: pcm_f32le frame has odd byte length %d", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func decodeCompanded(data []byte, toLinear func(byte) int16) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(toLinear(b)) / 32768.0
	}
	return out
}

// mulawToLinear decodes one G.711 mu-law byte to a 16-bit linear PCM sample.
func mulawToLinear(b byte) int16 {
	const bias = 0x84
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int16(mantissa) << 3) + bias
	sample <<= exponent
	sample -= bias
	if sign != 0 {
		sample = -sample
	}
	return sample
}

// alawToLinear decodes one G.711 A-law byte to a 16-bit linear PCM sample.
func alawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	var sample int16
	if exponent == 0 {
		sample = (int16(mantissa) << 4) + 8
	} else {
		sample = ((int16(mantissa) << 4) + 0x108) << (exponent - 1)
	}
	if sign == 0 {
		sample = -sample
	}
	return sample
}
