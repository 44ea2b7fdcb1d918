package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts float samples to signed 16-bit values. Samples are
// clamped to [-1, 1]; negative values scale by 0x8000 and the rest by 0x7FFF
// so both ends of the int16 range are reachable.
func FloatToPCM16(samples []float32) []int16 {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			s = 0
		}
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			pcm[i] = int16(s * 0x8000)
		} else {
			pcm[i] = int16(s * 0x7FFF)
		}
	}
	return pcm
}

// EncodePCM16LE serialises samples as little-endian bytes.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE is the inverse of EncodePCM16LE. A trailing odd byte is ignored.
func DecodePCM16LE(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Resample converts one self-contained block of mono samples between rates
// using linear interpolation. Use a Resampler for a stream split into blocks.
func Resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}

	n := int(int64(len(in)) * int64(to) / int64(from))
	if n == 0 {
		return []float32{}
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out
}

// Resampler converts a continuous mono stream between rates. Position is
// carried across blocks, so output does not depend on how the input was
// split.
type Resampler struct {
	from, to int64
	emitted  int64 // output samples produced so far
	consumed int64 // input samples in blocks before the current one
	prev     float32
}

func NewResampler(from, to int) *Resampler {
	return &Resampler{from: int64(from), to: int64(to)}
}

// Process returns the output samples that fall within in. The interval
// between the previous block's last sample and in[0] is interpolated too.
func (r *Resampler) Process(in []float32) []float32 {
	if r.from == r.to || r.from <= 0 || r.to <= 0 {
		return in
	}
	n := int64(len(in))
	if n == 0 {
		return []float32{}
	}

	out := make([]float32, 0, n*r.to/r.from+1)
	for {
		num := r.emitted * r.from
		idx := num/r.to - r.consumed
		rem := num % r.to
		if idx > n-1 || (idx == n-1 && rem != 0) {
			break
		}

		a := r.prev
		if idx >= 0 {
			a = in[idx]
		}
		if rem == 0 {
			out = append(out, a)
		} else {
			b := in[idx+1]
			out = append(out, a+(b-a)*float32(rem)/float32(r.to))
		}
		r.emitted++
	}

	r.consumed += n
	r.prev = in[n-1]
	return out
}
