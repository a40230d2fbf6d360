package coqui

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// decodeWAV returns the samples and rate of a mono 16-bit PCM RIFF file.
// Chunks other than "fmt " and "data" are skipped.
func decodeWAV(b []byte) (pcm []byte, rate int, err error) {
	if len(b) < 12 || string(b[:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, errors.New("coqui: response is not a WAV file")
	}
	le := binary.LittleEndian
	haveFmt := false
	for rest := b[12:]; len(rest) >= 8; {
		id, size := string(rest[:4]), int(le.Uint32(rest[4:8]))
		body := rest[8:]
		if size > len(body) {
			size = len(body)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("coqui: WAV fmt chunk too short")
			}
			format, channels, bits := le.Uint16(body[0:2]), le.Uint16(body[2:4]), le.Uint16(body[14:16])
			if format != 1 || bits != 16 || channels != 1 {
				return nil, 0, fmt.Errorf("coqui: want mono 16-bit PCM, got format %d, %d channels, %d bits", format, channels, bits)
			}
			rate, haveFmt = int(le.Uint32(body[4:8])), true
		case "data":
			if !haveFmt {
				return nil, 0, errors.New("coqui: WAV data before fmt")
			}
			return body[:size], rate, nil
		}
		// Chunks are padded to even length.
		skip := 8 + size + size%2
		if skip > len(rest) {
			break
		}
		rest = rest[skip:]
	}
	return nil, 0, errors.New("coqui: WAV has no data chunk")
}
