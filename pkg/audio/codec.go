package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zaf/g711"
	"layeh.com/gopus"
)

// Capture encodings a client may declare when it opens a live session.
const (
	EncodingPCM16 = "pcm16"
	EncodingMulaw = "mulaw"
	EncodingAlaw  = "alaw"
	EncodingOpus  = "opus"
)

const (
	g711SampleRate = 8000
	opusSampleRate = 48000
	// opusMaxFrame is the largest Opus frame (120 ms) in samples at 48 kHz.
	opusMaxFrame = 5760
)

// ErrUnsupportedEncoding is wrapped by a [CaptureError] when a client asks for
// an encoding no decoder exists for.
var ErrUnsupportedEncoding = errors.New("unsupported capture encoding")

// CaptureError reports that capture audio could not be set up or decoded. It
// is fatal to starting a live session.
type CaptureError struct {
	Encoding string
	Err      error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("audio: capture %s: %v", e.Encoding, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Decoder turns one client capture payload into PCM16 mono at the decoder's
// output rate.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
	Format() Format
}

// NewDecoder returns a Decoder for encoding whose output is mono PCM16 at
// rate. Encoding names are case-insensitive; the empty string means pcm16.
// All errors are *CaptureError.
func NewDecoder(encoding string, rate int) (Decoder, error) {
	enc := strings.ToLower(strings.TrimSpace(encoding))
	if enc == "" {
		enc = EncodingPCM16
	}
	if rate <= 0 {
		return nil, &CaptureError{Encoding: enc, Err: fmt.Errorf("invalid output rate %d", rate)}
	}
	out := Format{SampleRate: rate, Channels: 1}

	switch enc {
	case EncodingPCM16:
		return pcm16Decoder{out: out}, nil
	case EncodingMulaw:
		return g711Decoder{out: out, decode: g711.DecodeUlaw, name: enc}, nil
	case EncodingAlaw:
		return g711Decoder{out: out, decode: g711.DecodeAlaw, name: enc}, nil
	case EncodingOpus:
		dec, err := gopus.NewDecoder(opusSampleRate, 1)
		if err != nil {
			return nil, &CaptureError{Encoding: enc, Err: err}
		}
		return &opusDecoder{dec: dec, out: out}, nil
	default:
		return nil, &CaptureError{Encoding: enc, Err: ErrUnsupportedEncoding}
	}
}

// pcm16Decoder accepts PCM16 mono already at the output rate.
type pcm16Decoder struct{ out Format }

func (d pcm16Decoder) Format() Format { return d.out }

func (d pcm16Decoder) Decode(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, &CaptureError{Encoding: EncodingPCM16, Err: fmt.Errorf("odd payload length %d", len(payload))}
	}
	return payload, nil
}

// g711Decoder expands 8 kHz companded telephony audio.
type g711Decoder struct {
	out    Format
	name   string
	decode func([]byte) []byte
}

func (d g711Decoder) Format() Format { return d.out }

func (d g711Decoder) Decode(payload []byte) ([]byte, error) {
	return ResampleMono16(d.decode(payload), g711SampleRate, d.out.SampleRate), nil
}

// opusDecoder holds decoder state across packets, so one is needed per stream.
type opusDecoder struct {
	dec *gopus.Decoder
	out Format
}

func (d *opusDecoder) Format() Format { return d.out }

func (d *opusDecoder) Decode(payload []byte) ([]byte, error) {
	samples, err := d.dec.Decode(payload, opusMaxFrame, false)
	if err != nil {
		return nil, &CaptureError{Encoding: EncodingOpus, Err: err}
	}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return ResampleMono16(pcm, opusSampleRate, d.out.SampleRate), nil
}
