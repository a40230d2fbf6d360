package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	translatemock "github.com/MrWong99/parley/pkg/provider/translate/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

func testConfig() FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3, Logger: quiet()}}
}

func TestSTTFallback_StartStream(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("401")}
	secondary := &sttmock.Provider{}
	f := NewSTTFallback(primary, "deepgram", testConfig())
	f.AddFallback("whisper", secondary)

	cfg := stt.StreamConfig{SampleRate: 8000, Channels: 1, Language: "de"}
	h, err := f.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if h == nil {
		t.Fatal("nil handle")
	}
	if len(primary.Calls()) != 1 || len(secondary.Calls()) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.Calls()), len(secondary.Calls()))
	}
	if got := secondary.Calls()[0]; got != cfg {
		t.Errorf("fallback cfg = %+v, want %+v", got, cfg)
	}
	if st := f.States(); st["deepgram"] != StateClosed || st["whisper"] != StateClosed {
		t.Errorf("states = %v", st)
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	f := NewSTTFallback(&sttmock.Provider{StartStreamErr: errTest}, "deepgram", testConfig())
	if _, err := f.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestTranslateFallback(t *testing.T) {
	primary := &translatemock.Provider{TranslateErr: errors.New("quota"), DetectErr: errors.New("quota")}
	secondary := &translatemock.Provider{TranslateResult: "hallo", Language: "en"}
	f := NewTranslateFallback(primary, "gemini", testConfig())
	f.AddFallback("llm", secondary)

	lang, err := f.DetectLanguage(context.Background(), "hello")
	if err != nil || lang != "en" {
		t.Errorf("DetectLanguage = %q, %v", lang, err)
	}
	out, err := f.Translate(context.Background(), "hello", "en", "de")
	if err != nil || out != "hallo" {
		t.Errorf("Translate = %q, %v", out, err)
	}
	calls := secondary.Translated()
	if len(calls) != 1 || calls[0].Source != "en" || calls[0].Target != "de" {
		t.Errorf("fallback calls = %+v", calls)
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("503")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	f := NewLLMFallback(primary, "openai", testConfig())
	f.AddFallback("anthropic", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestTTSFallback_Synthesize(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("voice quota")}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0}}}
	f := NewTTSFallback(primary, "elevenlabs", testConfig())
	f.AddFallback("coqui", secondary)

	req := tts.SynthesisRequest{Text: "hallo", Language: "de", SampleRate: 16000}
	stream, err := f.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	var chunks int
	for range stream.Chunks() {
		chunks++
	}
	if chunks != 1 || stream.Err() != nil {
		t.Errorf("chunks = %d, err = %v", chunks, stream.Err())
	}
	if got := secondary.Calls()[0]; got != req {
		t.Errorf("fallback req = %+v", got)
	}
}

func TestTTSFallback_ListVoicesUsesPrimaryOnly(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("503")}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "x"}}}
	f := NewTTSFallback(primary, "elevenlabs", testConfig())
	f.AddFallback("coqui", secondary)

	if _, err := f.ListVoices(context.Background()); err == nil {
		t.Error("expected the primary's error")
	}
	if secondary.VoiceLookups() != 0 {
		t.Error("fallback catalogue consulted")
	}
}

func TestLLMFallback_PrimaryBreakerOpens(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("503")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	f := NewLLMFallback(primary, "openai", testConfig())
	f.AddFallback("anthropic", secondary)

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	for range 4 {
		if _, err := f.Complete(context.Background(), req); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	// The fourth call skips the open primary.
	if n := len(primary.Calls()); n != 3 {
		t.Errorf("primary calls = %d, want 3", n)
	}
	var r Reporter = f
	if st := r.States(); st["openai"] != StateOpen || st["anthropic"] != StateClosed {
		t.Errorf("states = %v", st)
	}
}
