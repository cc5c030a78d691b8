package wavfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

type header struct {
	rate     int
	channels int
	depth    int
}

func decoder(path string) (*os.File, *wav.Decoder, header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, header{}, fmt.Errorf("wavfile: open %s: %w", path, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		err := dec.Err()
		if err == nil {
			err = errors.New("not a WAV file")
		}
		return nil, nil, header{}, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	h := header{rate: int(dec.SampleRate), channels: int(dec.NumChans), depth: int(dec.BitDepth)}
	switch h.depth {
	case 16, 24, 32:
	default:
		f.Close()
		return nil, nil, header{}, fmt.Errorf("wavfile: %s: %d-bit samples: %w", path, h.depth, errUnsupportedDepth)
	}
	return f, dec, h, nil
}

var errUnsupportedDepth = errors.New("only 16, 24 and 32-bit PCM is supported")

// probe reads only the header of the WAV file at path.
func probe(path string) (header, error) {
	f, _, h, err := decoder(path)
	if err != nil {
		return header{}, err
	}
	f.Close()
	return h, nil
}

// load decodes the whole WAV file at path to 16-bit PCM.
func load(path string) ([]int16, header, error) {
	f, dec, h, err := decoder(path)
	if err != nil {
		return nil, header{}, err
	}
	defer f.Close()
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, header{}, fmt.Errorf("wavfile: read %s: %w", path, err)
	}
	shift := h.depth - 16
	pcm := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		pcm[i] = int16(v >> shift)
	}
	// Keep whole frames only.
	pcm = pcm[:len(pcm)-len(pcm)%h.channels]
	return pcm, h, nil
}
