package playback

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/attune-voice/attune/pkg/audio"
	"github.com/attune-voice/attune/pkg/transport"
)

// maxOpusFrameMs is the largest frame duration Opus permits; decode buffers
// are sized for it.
const maxOpusFrameMs = 120

// Decoder converts one transport audio chunk into mono float32 samples at
// the session's output rate. Implementations keep codec state across calls
// and are not safe for concurrent use; the dispatch goroutine is the sole
// caller.
type Decoder interface {
	Decode(chunk []byte) ([]float32, error)
}

// NewDecoder returns a decoder for the transport's negotiated output format.
func NewDecoder(format transport.AudioFormat) (Decoder, error) {
	switch format.Codec {
	case transport.CodecPCM16:
		return pcm16Decoder{}, nil
	case transport.CodecOpus:
		dec, err := gopus.NewDecoder(format.SampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("playback: create opus decoder: %w", err)
		}
		return &opusDecoder{dec: dec, sampleRate: format.SampleRate}, nil
	default:
		return nil, fmt.Errorf("playback: unsupported codec %q", format.Codec)
	}
}

// pcm16Decoder handles raw little-endian 16-bit PCM. Stateless.
type pcm16Decoder struct{}

func (pcm16Decoder) Decode(chunk []byte) ([]float32, error) {
	if len(chunk)%2 != 0 {
		return nil, fmt.Errorf("playback: pcm16 chunk has odd length %d", len(chunk))
	}
	return audio.DecodePCM16(chunk), nil
}

// opusDecoder wraps a gopus decoder for the assistant's output stream. One
// decoder per session keeps codec state correct across consecutive packets.
type opusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
}

func (d *opusDecoder) Decode(chunk []byte) ([]float32, error) {
	frameSize := d.sampleRate * maxOpusFrameMs / 1000
	pcm, err := d.dec.Decode(chunk, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("playback: opus decode: %w", err)
	}
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768
	}
	return samples, nil
}
