package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	"github.com/MrWong99/avatalk/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type capturedForm struct {
	fileName string
	file     []byte
	fields   map[string]string
}

// newMockServer answers POST /inference with a JSON body holding text and
// records the multipart form of the last request.
func newMockServer(t *testing.T, text string, calls *atomic.Int32, got *capturedForm) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		if got != nil {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			got.file, _ = io.ReadAll(f)
			got.fileName = hdr.Filename
			got.fields = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				got.fields[k] = v[0]
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func speechWAV() []byte {
	return audio.EncodeWAV(make([]byte, 3200), audio.Mono16k)
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

// ---- Transcribe -------------------------------------------------------------

func TestTranscribe_PostsWAVAndFields(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var form capturedForm
	srv := newMockServer(t, "  hello there \n", &calls, &form)

	p, err := whisper.New(srv.URL+"/", whisper.WithModel("base.en"), whisper.WithLanguage("de"))
	if err != nil {
		t.Fatal(err)
	}
	wav := speechWAV()
	tr, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    wav,
		Keywords: []stt.KeywordBoost{{Keyword: "Eldrinax"}, {Keyword: ""}, {Keyword: "Glyph"}},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello there" {
		t.Errorf("Text = %q, want trimmed %q", tr.Text, "hello there")
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
	if form.fileName != "audio.wav" {
		t.Errorf("file name = %q, want audio.wav", form.fileName)
	}
	if len(form.file) != len(wav) {
		t.Errorf("uploaded %d bytes, want %d", len(form.file), len(wav))
	}
	want := map[string]string{
		"language":        "de",
		"model":           "base.en",
		"response_format": "json",
		"prompt":          "Eldrinax, Glyph",
	}
	for k, v := range want {
		if form.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, form.fields[k], v)
		}
	}
}

func TestTranscribe_RequestLanguageWins(t *testing.T) {
	t.Parallel()

	var form capturedForm
	srv := newMockServer(t, "bonjour", nil, &form)
	p, _ := whisper.New(srv.URL)

	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("OggS...."), ContentType: "audio/ogg", Language: "fr"})
	if err != nil {
		t.Fatal(err)
	}
	if form.fields["language"] != "fr" || tr.Language != "fr" {
		t.Errorf("language = %q / %q, want fr", form.fields["language"], tr.Language)
	}
	if form.fileName != "audio.ogg" {
		t.Errorf("file name = %q, want audio.ogg", form.fileName)
	}
	if _, ok := form.fields["model"]; ok {
		t.Error("empty model must not be sent")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newMockServer(t, "x", &calls, nil)
	p, _ := whisper.New(srv.URL)

	_, err := p.Transcribe(context.Background(), stt.Request{})
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
	if calls.Load() != 0 {
		t.Error("server called for empty audio")
	}
}

func TestTranscribe_ServerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 500",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model crashed", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
		},
		{
			name: "error field",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"error":"failed to read WAV"}`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p, _ := whisper.New(srv.URL)
			if _, err := p.Transcribe(context.Background(), stt.Request{Audio: speechWAV()}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Transcribe(ctx, stt.Request{Audio: speechWAV()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
