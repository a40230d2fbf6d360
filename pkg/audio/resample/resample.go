// Package resample converts mono 16-bit PCM between sample rates.
//
// Synthesis services emit audio at a handful of fixed rates while the headset
// link runs at whatever rate capture negotiated (16 kHz or 8 kHz). A
// [Converter] bridges the two for one synthesis stream, carrying filter state
// across chunk boundaries so consecutive chunks join without clicks.
package resample

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Converter resamples a sequence of PCM chunks. It is not safe for
// concurrent use; create one per stream.
type Converter struct {
	srcRate int
	dstRate int
	r       resampling.Resampler

	// carry holds a trailing odd byte from the previous chunk.
	carry []byte

	// Samples consumed and produced so far; Flush caps the total at the
	// input length scaled by the rate ratio.
	samplesIn, samplesOut int64
}

// New creates a Converter from srcRate to dstRate. When the rates are equal
// the converter passes audio through unchanged.
func New(srcRate, dstRate int) (*Converter, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resample: invalid rates %d -> %d", srcRate, dstRate)
	}
	c := &Converter{srcRate: srcRate, dstRate: dstRate}
	if srcRate == dstRate {
		return c, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resample: create %d -> %d: %w", srcRate, dstRate, err)
	}
	c.r = r
	return c, nil
}

// SourceRate returns the input rate.
func (c *Converter) SourceRate() int { return c.srcRate }

// TargetRate returns the output rate.
func (c *Converter) TargetRate() int { return c.dstRate }

// Process converts one chunk. The returned slice may be shorter or empty
// while the filter fills; it never contains a partial sample.
func (c *Converter) Process(pcm []byte) ([]byte, error) {
	if len(c.carry) > 0 {
		pcm = append(c.carry, pcm...)
		c.carry = nil
	}
	if len(pcm)%2 == 1 {
		c.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if c.r == nil {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	n := len(pcm) / 2
	in := make([]float64, n)
	for i := range n {
		in[i] = float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768.0
	}

	res, err := c.r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: process: %w", err)
	}
	c.samplesIn += int64(n)
	c.samplesOut += int64(len(res))
	return toPCM(res), nil
}

// Flush returns the samples still held in the filter once the stream has
// ended, trimmed so the whole stream comes out at its input duration. A
// dangling odd byte is dropped. The converter must not be used afterwards.
func (c *Converter) Flush() ([]byte, error) {
	c.carry = nil
	if c.r == nil {
		return nil, nil
	}
	res, err := c.r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample: flush: %w", err)
	}
	want := (c.samplesIn*int64(c.dstRate) + int64(c.srcRate)/2) / int64(c.srcRate)
	if left := want - c.samplesOut; int64(len(res)) > left {
		res = res[:max(left, 0)]
	}
	c.samplesOut += int64(len(res))
	return toPCM(res), nil
}

func toPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int16
		switch {
		case s >= 1.0:
			v = 32767
		case s <= -1.0:
			v = -32768
		default:
			v = int16(s * 32767.0)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Mono16 converts a complete clip in one call.
func Mono16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	c, err := New(srcRate, dstRate)
	if err != nil {
		return nil, err
	}
	out, err := c.Process(pcm)
	if err != nil {
		return nil, err
	}
	tail, err := c.Flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}
