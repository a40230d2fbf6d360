package tts_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

func TestStream_SendFinishCollect(t *testing.T) {
	t.Parallel()
	s := tts.NewStream(4)
	ctx := context.Background()
	go func() {
		s.Send(ctx, []byte{1, 2})
		s.Send(ctx, nil)
		s.Send(ctx, []byte{3, 4})
		s.Finish(nil)
		s.Finish(errors.New("ignored"))
	}()
	pcm, err := tts.Collect(s)
	if err != nil {
		t.Fatalf("Err = %v", err)
	}
	if string(pcm) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("pcm = %v", pcm)
	}
}

func TestStream_ErrAfterClose(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := tts.FinishedStream(boom)
	if _, ok := <-s.Chunks(); ok {
		t.Fatal("finished stream should have a closed channel")
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err = %v, want boom", s.Err())
	}
}

func TestStream_SendRespectsContext(t *testing.T) {
	t.Parallel()
	s := tts.NewStream(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.Send(ctx, []byte{1, 2}) {
		t.Error("Send should fail once ctx is done and nobody reads")
	}
}

func TestResolveVoice(t *testing.T) {
	t.Parallel()
	voices := []tts.VoiceProfile{
		{ID: "v-rachel", Name: "Rachel", Languages: []string{"en"}},
		{ID: "v-xiaoyu", Name: "Xiaoyu Chirp HD", Languages: []string{"zh-TW", "zh-CN"}},
		{ID: "v-hans", Name: "Hans", Languages: []string{"de"}},
		{ID: "v-any", Name: "Nova"},
	}
	tests := []struct {
		name     string
		hint     string
		language string
		wantID   string
		wantOK   bool
	}{
		{"empty hint", "", "", "", false},
		{"exact id", "v-hans", "zh", "v-hans", true},
		{"name ignoring case", "rachel", "", "v-rachel", true},
		{"fuzzy name", "xiaoyu chirp", "zh-TW", "v-xiaoyu", true},
		{"fuzzy filtered by language", "Rachle", "de", "", false},
		{"fuzzy with matching language", "Rachle", "en-US", "v-rachel", true},
		{"voice without languages accepted", "nova2", "ja", "v-any", true},
		{"nothing close", "zzzz", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := tts.ResolveVoice(tt.hint, tt.language, voices)
			if ok != tt.wantOK || v.ID != tt.wantID {
				t.Errorf("ResolveVoice(%q, %q) = (%q, %v), want (%q, %v)", tt.hint, tt.language, v.ID, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
