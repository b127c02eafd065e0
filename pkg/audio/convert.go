package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ToMono16 converts PCM16 in format from to mono at rate. Channels are
// averaged before resampling. A trailing partial sample is dropped.
func ToMono16(pcm []byte, from Format, rate int) []byte {
	pcm = pcm[:len(pcm)&^1]
	if from.Channels > 1 {
		pcm = DownmixMono16(pcm, from.Channels)
	}
	return ResampleMono16(pcm, from.SampleRate, rate)
}

// DownmixMono16 averages each interleaved frame of channels samples into one
// mono sample. Incomplete trailing frames are dropped.
func DownmixMono16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frame := channels * 2
	out := make([]byte, len(pcm)/frame*2)
	for i := range len(out) / 2 {
		var sum int32
		for c := range channels {
			sum += int32(sampleAt(pcm, i*channels+c))
		}
		putSample(out, i, clamp16(float64(sum)/float64(channels)))
	}
	return out
}

// ResampleMono16 converts mono PCM16 from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}

	out := make([]byte, outN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range outN {
		pos := float64(i) * step
		j := int(pos)
		a := float64(sampleAt(pcm, j))
		b := a
		if j+1 < n {
			b = float64(sampleAt(pcm, j+1))
		}
		frac := pos - float64(j)
		putSample(out, i, int16(a+(b-a)*frac))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

func clamp16(v float64) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, math.Trunc(v))))
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}
