package openai_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	"github.com/MrWong99/avatalk/pkg/provider/stt/openai"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var model, lang, prompt, fileName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		model = r.FormValue("model")
		lang = r.FormValue("language")
		prompt = r.FormValue("prompt")
		if _, hdr, err := r.FormFile("file"); err == nil {
			fileName = hdr.Filename
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" hi there ","language":"english","duration":0.8,"words":[{"word":"hi","start":0.1,"end":0.3}]}`))
	}))
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/v1"), openai.WithLanguage("en"))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    audio.EncodeWAV(make([]byte, 320), audio.Mono16k),
		Keywords: []stt.KeywordBoost{{Keyword: "Avatalk"}},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if model != "whisper-1" || lang != "en" || prompt != "Avatalk" {
		t.Errorf("form: model=%q language=%q prompt=%q", model, lang, prompt)
	}
	if fileName != "utterance.wav" {
		t.Errorf("file name = %q", fileName)
	}
	if tr.Text != "hi there" || tr.Language != "english" {
		t.Errorf("transcript = %+v", tr)
	}
	if tr.Duration != 800*time.Millisecond || len(tr.Words) != 1 {
		t.Errorf("duration/words = %v / %d", tr.Duration, len(tr.Words))
	}
}

func TestTranscribe_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/v1"))
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF")}); err == nil {
		t.Fatal("expected error")
	}
}
