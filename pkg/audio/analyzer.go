package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// DefaultWindow is the analyser window in samples.
const DefaultWindow = 1024

// ErrWindowSize is returned for analyser windows that are not a positive power of two.
var ErrWindowSize = errors.New("audio: analyser window must be a positive power of two")

// RMS returns the root-mean-square of samples already normalised to [-1, 1].
// Returns 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSPCM16 returns the RMS of a PCM16 buffer with every sample normalised by
// 1/32768. A trailing odd byte is ignored.
func RMSPCM16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// RMSByteTimeDomain returns the RMS of unsigned 8-bit time-domain data as a
// browser AnalyserNode reports it, normalising each byte as b/128 - 1.
func RMSByteTimeDomain(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, b := range data {
		v := float64(b)/128.0 - 1
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(data)))
}

// RMSWindow returns the RMS of the window samples of pcm (PCM16 mono) that end
// at byte offset end. Near the start of the buffer the window is shortened.
func RMSWindow(pcm []byte, end, window int) float64 {
	if end > len(pcm) {
		end = len(pcm)
	}
	end -= end % 2
	start := max(end-window*2, 0)
	return RMSPCM16(pcm[start:end])
}

// PCM16ToFloat32 converts PCM16 to float32 samples in [-1, 1]. A trailing odd
// byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// Analyzer keeps the most recent window of mono samples and reports their
// RMS. It does not smooth; callers apply their own smoothing. Not safe for
// concurrent use; see [Meter].
type Analyzer struct {
	buf    []float32
	pos    int
	filled int
}

// NewAnalyzer returns an Analyzer over window samples. window must be a
// positive power of two.
func NewAnalyzer(window int) (*Analyzer, error) {
	if window <= 0 || window&(window-1) != 0 {
		return nil, ErrWindowSize
	}
	return &Analyzer{buf: make([]float32, window)}, nil
}

// Window returns the analyser window length in samples.
func (a *Analyzer) Window() int { return len(a.buf) }

// Write appends PCM16 mono samples, discarding the oldest beyond the window.
func (a *Analyzer) Write(pcm []byte) {
	n := len(pcm) / 2
	// Only the tail that fits in the window matters.
	skip := max(n-len(a.buf), 0)
	for i := skip; i < n; i++ {
		a.buf[a.pos] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		a.pos = (a.pos + 1) % len(a.buf)
	}
	a.filled = min(a.filled+n-skip, len(a.buf))
}

// Sample returns the RMS over the samples currently held, in [0, 1].
func (a *Analyzer) Sample() float64 {
	if a.filled == 0 {
		return 0
	}
	var sum float64
	for i := range a.filled {
		idx := (a.pos - 1 - i + len(a.buf)) % len(a.buf)
		v := float64(a.buf[idx])
		sum += v * v
	}
	return math.Sqrt(sum / float64(a.filled))
}

// Reset clears the held samples.
func (a *Analyzer) Reset() {
	clear(a.buf)
	a.pos, a.filled = 0, 0
}

// Meter is a concurrency-safe [Analyzer] over live capture audio that also
// reports loudness on the 0–255 scale the turn thresholds are expressed in.
// Capture goroutines call Write; pollers call Level.
type Meter struct {
	mu    sync.Mutex
	a     *Analyzer
	scale float64
}

// NewMeter returns a Meter with the given window. scale maps RMS to the level
// scale (level = min(rms*scale, 255)); zero means 255.
func NewMeter(window int, scale float64) (*Meter, error) {
	a, err := NewAnalyzer(window)
	if err != nil {
		return nil, err
	}
	if scale <= 0 {
		scale = 255
	}
	return &Meter{a: a, scale: scale}, nil
}

// Write feeds PCM16 mono capture audio.
func (m *Meter) Write(pcm []byte) {
	m.mu.Lock()
	m.a.Write(pcm)
	m.mu.Unlock()
}

// RMS returns the current window's RMS in [0, 1].
func (m *Meter) RMS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.a.Sample()
}

// Level returns the current loudness on a 0–255 scale.
func (m *Meter) Level() uint8 {
	return LevelFromRMS(m.RMS(), m.scale)
}

// Reset clears the held window.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.a.Reset()
	m.mu.Unlock()
}

// LevelFromRMS maps an RMS value onto 0–255 using scale, saturating at 255.
func LevelFromRMS(rms, scale float64) uint8 {
	v := rms * scale
	if v >= 255 {
		return 255
	}
	if v <= 0 {
		return 0
	}
	return uint8(v)
}
