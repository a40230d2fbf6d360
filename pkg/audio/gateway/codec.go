package gateway

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// Codec selects how audio is framed on the link.
type Codec string

const (
	// CodecPCM carries raw 16-bit little-endian PCM.
	CodecPCM Codec = "pcm"

	// CodecOpus carries one Opus packet of 20 ms per binary frame.
	CodecOpus Codec = "opus"
)

// opusFrameMs is the packet duration used on the link.
const opusFrameMs = 20

// opusMaxFrameMs bounds the duration of a single incoming packet.
const opusMaxFrameMs = 120

// opusDecoder turns incoming packets into PCM for one input stream.
type opusDecoder struct {
	dec      *gopus.Decoder
	maxFrame int
}

func newOpusDecoder(rate, channels int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("gateway: create opus decoder at %d Hz: %w", rate, err)
	}
	return &opusDecoder{dec: dec, maxFrame: rate * opusMaxFrameMs / 1000}, nil
}

func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("gateway: opus decode: %w", err)
	}
	return audio.PCMBytes(pcm), nil
}

// opusEncoder packs outgoing mono PCM into 20 ms packets, carrying any
// remainder to the next call.
type opusEncoder struct {
	enc        *gopus.Encoder
	frameSize  int
	frameBytes int
	pending    []byte
}

func newOpusEncoder(rate int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(rate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("gateway: create opus encoder at %d Hz: %w", rate, err)
	}
	frameSize := rate * opusFrameMs / 1000
	return &opusEncoder{enc: enc, frameSize: frameSize, frameBytes: frameSize * audio.BytesPerSample}, nil
}

func (e *opusEncoder) encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, pcm...)
	var packets [][]byte
	for len(e.pending) >= e.frameBytes {
		packet, err := e.enc.Encode(audio.Samples(e.pending[:e.frameBytes]), e.frameSize, e.frameBytes)
		e.pending = e.pending[e.frameBytes:]
		if err != nil {
			return packets, fmt.Errorf("gateway: opus encode: %w", err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}
