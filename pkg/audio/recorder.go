package audio

import (
	"sync"
	"time"
)

// DefaultMaxRecording caps a single utterance.
const DefaultMaxRecording = 60 * time.Second

// Recorder buffers live capture PCM between Start and Finish. Writes outside
// a recording are dropped. Safe for concurrent use: the capture path writes
// while the turn controller starts and finishes recordings.
type Recorder struct {
	format Format
	limit  int
	now    func() time.Time

	mu        sync.Mutex
	recording bool
	startedAt time.Time
	buf       []byte
}

// NewRecorder returns a Recorder for PCM in format f holding at most limit of
// audio per recording. A non-positive limit uses [DefaultMaxRecording].
func NewRecorder(f Format, limit time.Duration) *Recorder {
	if limit <= 0 {
		limit = DefaultMaxRecording
	}
	return &Recorder{format: f, limit: f.Offset(limit), now: time.Now}
}

// Format returns the recorder's PCM format.
func (r *Recorder) Format() Format { return r.format }

// Start begins a new recording, discarding anything buffered.
func (r *Recorder) Start() {
	r.mu.Lock()
	r.recording = true
	r.startedAt = r.now()
	r.buf = r.buf[:0]
	r.mu.Unlock()
}

// Write appends pcm when recording. Audio beyond the length limit is dropped.
func (r *Recorder) Write(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	room := r.limit - len(r.buf)
	if room <= 0 {
		return
	}
	if len(pcm) > room {
		pcm = pcm[:room]
	}
	r.buf = append(r.buf, pcm...)
}

// Recording reports whether a recording is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Finish closes the recording and returns it as a Segment. The segment owns
// its PCM. Finish without Start returns an empty segment.
func (r *Recorder) Finish() Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	pcm := make([]byte, len(r.buf))
	copy(pcm, r.buf)
	seg := Segment{
		PCM:       pcm,
		Format:    r.format,
		StartedAt: r.startedAt,
		Duration:  r.format.Duration(len(pcm)),
	}
	r.recording = false
	r.buf = r.buf[:0]
	return seg
}

// Discard closes the recording and drops its audio.
func (r *Recorder) Discard() {
	r.mu.Lock()
	r.recording = false
	r.buf = r.buf[:0]
	r.mu.Unlock()
}
