package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/avatalk/pkg/provider/llm/mock"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	sttmock "github.com/MrWong99/avatalk/pkg/provider/stt/mock"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
	ttsmock "github.com/MrWong99/avatalk/pkg/provider/tts/mock"
)

// ---- helpers ----

type fixture struct {
	stt *sttmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newOrchestrator(t *testing.T, opts ...pipeline.Option) (*pipeline.Orchestrator, *fixture) {
	t.Helper()
	f := &fixture{
		stt: &sttmock.Provider{Transcript: &stt.Transcript{Text: "What is the weather like?"}},
		llm: &llmmock.Provider{Response: &llm.CompletionResponse{Content: "It is **sunny** today.", FinishReason: "stop"}},
		tts: &ttsmock.Provider{},
	}
	m, _ := newTestMetrics(t)
	opts = append([]pipeline.Option{pipeline.WithMetrics(m)}, opts...)
	return pipeline.New(f.stt, f.llm, f.tts, opts...), f
}

// utterance returns a WAV of n PCM bytes, large enough to pass the size check.
func utterance(n int) []byte {
	return audio.EncodeWAV(make([]byte, n), audio.Mono16k)
}

func sumTurns(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "avatalk.turns" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("avatalk.turns has data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, _ := dp.Attributes.Value("outcome"); v.AsString() == outcome {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ---- tests ----

func TestHandleUtterance_Success(t *testing.T) {
	t.Parallel()

	o, f := newOrchestrator(t)
	turn, err := o.HandleUtterance(context.Background(), "s1", utterance(4000))
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	if turn.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", turn.SessionID)
	}
	if turn.Transcript != "What is the weather like?" {
		t.Errorf("Transcript = %q", turn.Transcript)
	}
	if turn.Reply != "It is sunny today." {
		t.Errorf("Reply = %q, want %q", turn.Reply, "It is sunny today.")
	}
	if pipeline.HasMarkup(turn.Reply) {
		t.Errorf("Reply %q still has markup", turn.Reply)
	}
	if len(turn.Audio) == 0 || !audio.IsWAV(turn.Audio) {
		t.Fatalf("Audio is not a non-empty WAV (%d bytes)", len(turn.Audio))
	}
	if turn.AudioFormat != audio.Mono16k {
		t.Errorf("AudioFormat = %v, want %v", turn.AudioFormat, audio.Mono16k)
	}
	if turn.AudioDuration != 100*time.Millisecond {
		t.Errorf("AudioDuration = %v, want 100ms", turn.AudioDuration)
	}

	// The sanitised reply, not the raw one, is synthesised with the fixed voice.
	if f.tts.CallCount() != 1 {
		t.Fatalf("tts calls = %d, want 1", f.tts.CallCount())
	}
	call := f.tts.Calls()[0]
	if call.Text != "It is sunny today." {
		t.Errorf("synthesised text = %q", call.Text)
	}
	if call.Voice.ID != pipeline.DefaultVoiceID || call.Voice.Stability != 0.5 || call.Voice.SimilarityBoost != 0.75 {
		t.Errorf("voice = %+v", call.Voice)
	}
}

func TestHandleUtterance_CompletionRequest(t *testing.T) {
	t.Parallel()

	o, f := newOrchestrator(t, pipeline.WithTemperature(0.7), pipeline.WithSystemPrompt("Be brief."))
	if _, err := o.HandleUtterance(context.Background(), "s1", utterance(4000)); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if f.llm.CallCount() != 1 {
		t.Fatalf("llm calls = %d, want 1", f.llm.CallCount())
	}
	req := f.llm.Calls()[0].Req
	if req.SystemPrompt != "Be brief." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.MaxTokens != pipeline.DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, pipeline.DefaultMaxTokens)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "What is the weather like?" {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestHandleUtterance_SegmentTooSmall(t *testing.T) {
	t.Parallel()

	o, f := newOrchestrator(t)
	_, err := o.HandleUtterance(context.Background(), "s1", make([]byte, pipeline.DefaultMinSegmentBytes-1))
	if !errors.Is(err, pipeline.ErrSegmentTooSmall) {
		t.Fatalf("err = %v, want ErrSegmentTooSmall", err)
	}
	if f.stt.CallCount() != 0 {
		t.Errorf("stt called %d times for a too-small segment", f.stt.CallCount())
	}
}

func TestHandleUtterance_StageFailures(t *testing.T) {
	t.Parallel()

	providerErr := errors.New("vendor down")

	tests := []struct {
		name      string
		setup     func(f *fixture)
		wantErr   error
		wantStage pipeline.Stage
		wantLLM   int
		wantTTS   int
	}{
		{
			name:      "transcription error",
			setup:     func(f *fixture) { f.stt.Err = providerErr },
			wantErr:   pipeline.ErrTranscription,
			wantStage: pipeline.StageTranscribe,
		},
		{
			name:      "empty transcript",
			setup:     func(f *fixture) { f.stt.Transcript = &stt.Transcript{Text: "   "} },
			wantErr:   pipeline.ErrTranscription,
			wantStage: pipeline.StageTranscribe,
		},
		{
			name:      "generation error",
			setup:     func(f *fixture) { f.llm.Err = providerErr },
			wantErr:   pipeline.ErrGeneration,
			wantStage: pipeline.StageGenerate,
			wantLLM:   1,
		},
		{
			name:      "reply only markup",
			setup:     func(f *fixture) { f.llm.Response = &llm.CompletionResponse{Content: "** 😀 **"} },
			wantErr:   pipeline.ErrGeneration,
			wantStage: pipeline.StageGenerate,
			wantLLM:   1,
		},
		{
			name:      "synthesis error",
			setup:     func(f *fixture) { f.tts.Err = providerErr },
			wantErr:   pipeline.ErrSynthesis,
			wantStage: pipeline.StageSynthesize,
			wantLLM:   1,
			wantTTS:   1,
		},
		{
			name:      "empty audio",
			setup:     func(f *fixture) { f.tts.Speech = &tts.Speech{Format: audio.Mono16k} },
			wantErr:   pipeline.ErrSynthesis,
			wantStage: pipeline.StageSynthesize,
			wantLLM:   1,
			wantTTS:   1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			o, f := newOrchestrator(t)
			tc.setup(f)

			turn, err := o.HandleUtterance(context.Background(), "s1", utterance(4000))
			if turn != nil {
				t.Errorf("turn = %+v, want nil", turn)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if errors.Is(err, pipeline.ErrTimeout) {
				t.Errorf("err %v unexpectedly matches ErrTimeout", err)
			}
			var se *pipeline.StageError
			if !errors.As(err, &se) || se.Stage != tc.wantStage {
				t.Errorf("stage error = %#v, want stage %s", se, tc.wantStage)
			}
			if got := f.llm.CallCount(); got != tc.wantLLM {
				t.Errorf("llm calls = %d, want %d", got, tc.wantLLM)
			}
			if got := f.tts.CallCount(); got != tc.wantTTS {
				t.Errorf("tts calls = %d, want %d", got, tc.wantTTS)
			}
			if o.Busy("s1") {
				t.Error("session still busy after a failed turn")
			}
		})
	}
}

func TestHandleUtterance_ProviderErrorIsWrapped(t *testing.T) {
	t.Parallel()

	providerErr := errors.New("vendor down")
	o, f := newOrchestrator(t)
	f.llm.Err = providerErr

	_, err := o.HandleUtterance(context.Background(), "s1", utterance(4000))
	if !errors.Is(err, providerErr) {
		t.Errorf("err = %v, want it to wrap the provider error", err)
	}
}

func TestHandleUtterance_ConcurrentSameSessionIsBusy(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)

	m, reader := newTestMetrics(t)
	o, f := newOrchestrator(t, pipeline.WithMetrics(m))
	f.stt.Gate = gate
	f.stt.Entered = entered

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = o.HandleUtterance(context.Background(), "s1", utterance(4000))
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached transcription")
	}
	if !o.Busy("s1") {
		t.Error("Busy(s1) = false while a turn is in flight")
	}

	_, err := o.HandleUtterance(context.Background(), "s1", utterance(4000))
	if !errors.Is(err, pipeline.ErrBusy) {
		t.Fatalf("second call err = %v, want ErrBusy", err)
	}
	if f.stt.CallCount() != 1 {
		t.Errorf("stt calls = %d, want 1 (busy call must not reach providers)", f.stt.CallCount())
	}

	close(gate)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first turn: %v", firstErr)
	}
	if o.Busy("s1") {
		t.Error("session still busy after the turn finished")
	}
	if got := sumTurns(t, reader, observe.OutcomeBusy); got != 1 {
		t.Errorf("busy turns = %d, want 1", got)
	}
}

func TestHandleUtterance_SessionsAreIndependent(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	o, f := newOrchestrator(t)
	f.llm.Gate = gate
	f.llm.Entered = entered

	done := make(chan error, 1)
	go func() {
		_, err := o.HandleUtterance(context.Background(), "s1", utterance(4000))
		done <- err
	}()
	<-entered

	// While s1 waits on the LLM, a text turn on s2 is not blocked by s1's lock.
	f.llm.Gate = nil
	if _, err := o.HandleText(context.Background(), "s2", "hello"); err != nil {
		t.Fatalf("s2 HandleText: %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("s1: %v", err)
	}
}

func TestHandleUtterance_SequentialIdenticalSegments(t *testing.T) {
	t.Parallel()

	o, f := newOrchestrator(t)
	seg := utterance(4000)

	first, err := o.HandleUtterance(context.Background(), "s1", seg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := o.HandleUtterance(context.Background(), "s1", seg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second {
		t.Error("sequential turns returned the same ConversationTurn")
	}
	if f.stt.CallCount() != 2 || f.llm.CallCount() != 2 || f.tts.CallCount() != 2 {
		t.Errorf("calls stt=%d llm=%d tts=%d, want 2 each",
			f.stt.CallCount(), f.llm.CallCount(), f.tts.CallCount())
	}
}

func TestHandleUtterance_Timeout(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	o, f := newOrchestrator(t, pipeline.WithMetrics(m), pipeline.WithTimeout(20*time.Millisecond))
	f.tts.Gate = make(chan struct{}) // never closed

	_, err := o.HandleUtterance(context.Background(), "s1", utterance(4000))
	if !errors.Is(err, pipeline.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, pipeline.ErrSynthesis) {
		t.Errorf("err = %v, want it to also match ErrSynthesis", err)
	}
	if got := pipeline.Failure(err).Error; got != pipeline.CodeTimeout {
		t.Errorf("Failure code = %q, want %q", got, pipeline.CodeTimeout)
	}
	if o.Busy("s1") {
		t.Error("session still busy after timeout")
	}
	if got := sumTurns(t, reader, observe.OutcomeTimeout); got != 1 {
		t.Errorf("timeout turns = %d, want 1", got)
	}
}

func TestHandleUtterance_CallerDeadline(t *testing.T) {
	t.Parallel()

	o, f := newOrchestrator(t)
	f.stt.Gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.HandleUtterance(ctx, "s1", utterance(4000))
	if !errors.Is(err, pipeline.ErrTimeout) || !errors.Is(err, pipeline.ErrTranscription) {
		t.Fatalf("err = %v, want ErrTimeout and ErrTranscription", err)
	}
	if f.llm.CallCount() != 0 {
		t.Error("llm called after transcription timed out")
	}
}

func TestHandleText(t *testing.T) {
	t.Parallel()

	o, f := newOrchestrator(t)
	turn, err := o.HandleText(context.Background(), "s1", "  tell me a joke  ")
	if err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	if f.stt.CallCount() != 0 {
		t.Errorf("stt calls = %d, want 0", f.stt.CallCount())
	}
	if turn.Transcript != "tell me a joke" {
		t.Errorf("Transcript = %q", turn.Transcript)
	}
	if len(turn.Audio) == 0 {
		t.Error("Audio is empty")
	}
}

func TestHandleText_Empty(t *testing.T) {
	t.Parallel()

	o, f := newOrchestrator(t)
	_, err := o.HandleText(context.Background(), "s1", "   ")
	if !errors.Is(err, pipeline.ErrTranscription) {
		t.Fatalf("err = %v, want ErrTranscription", err)
	}
	if f.llm.CallCount() != 0 {
		t.Error("llm called for empty text")
	}
}

// panicSTT panics inside Transcribe.
type panicSTT struct{}

func (panicSTT) Transcribe(context.Context, stt.Request) (*stt.Transcript, error) {
	panic("boom")
}

func TestHandleUtterance_PanicReleasesLock(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	o := pipeline.New(panicSTT{}, &llmmock.Provider{}, &ttsmock.Provider{}, pipeline.WithMetrics(m))

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _ = o.HandleUtterance(context.Background(), "s1", utterance(4000))
	}()

	if o.Busy("s1") {
		t.Error("session still busy after a panic")
	}
}
