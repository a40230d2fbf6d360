package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "parley dev" {
		t.Errorf("out = %q", out)
	}
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	doc := `
providers:
  stt:
    name: deepgram
    api_key: k
    model: nova-3
    fallbacks:
      - name: whisper
        base_url: http://localhost:9000
session:
  target_language: de
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "check-config", "--config", path)
	if err != nil {
		t.Fatalf("check-config: %v\n%s", err, out)
	}
	for _, want := range []string{"deepgram / nova-3 +1", "(not configured)", "de", "/link (pcm)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestCheckConfig_Missing(t *testing.T) {
	out, err := execute(t, "check-config", "-c", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !strings.Contains(out, "not found") {
		t.Errorf("out = %q", out)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg)

	for kind, names := range config.ValidProviderNames {
		registered := reg.Names(kind)
		for _, name := range names {
			if kind == "translate" && name == "llm" {
				continue
			}
			if !slices.Contains(registered, name) {
				t.Errorf("%s provider %q is not registered", kind, name)
			}
		}
	}

	p, err := reg.CreateSTT(config.ProviderEntry{
		Name:    "deepgram",
		APIKey:  "k",
		Options: map[string]any{"language": "de", "endpointing_ms": 300},
	})
	if err != nil || p == nil {
		t.Fatalf("CreateSTT(deepgram) = %v, %v", p, err)
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"}); err == nil {
		t.Error("elevenlabs without an api key should fail")
	}
}

func TestProvidersCommand(t *testing.T) {
	out, err := execute(t, "providers")
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q, want one per stage", lines)
	}
	for _, want := range []string{"deepgram, whisper", "gemini", "anthropic", "coqui, elevenlabs"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
