package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sonara.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  dialogue:
    provider: mock
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.SampleRate != 8000 {
		t.Fatalf("expected default sample rate 8000, got %d", cfg.Engine.SampleRate)
	}
	if cfg.VAD.ThresholdRMS != 500 {
		t.Fatalf("expected default threshold 500, got %v", cfg.VAD.ThresholdRMS)
	}
	if cfg.Segment.SilenceMS != 800 || cfg.Segment.MaxUtteranceMS != 30000 {
		t.Fatalf("unexpected segment defaults %+v", cfg.Segment)
	}
	if cfg.Turn.Cooldown() != time.Second {
		t.Fatalf("expected 1s cooldown, got %v", cfg.Turn.Cooldown())
	}
	if !cfg.Turn.GreetingEnabled {
		t.Fatalf("greeting must default on")
	}
	if cfg.VAD.Remote.SkipBelowConfidence != 0.3 {
		t.Fatalf("expected skip threshold 0.3, got %v", cfg.VAD.Remote.SkipBelowConfidence)
	}
	if !cfg.Privacy.RedactTranscripts {
		t.Fatalf("redaction must default on")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "dg-secret")
	t.Setenv("TEST_VAD_URL", "http://vad.internal")
	body := `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
    settings:
      api_key: ${TEST_DG_KEY}
  tts:
    provider: mock
  dialogue:
    provider: mock
vad:
  remote:
    enabled: true
    url: ${TEST_VAD_URL}/vad
`
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "dg-secret" {
		t.Fatalf("expected env-expanded api key, got %v", got)
	}
	if cfg.VAD.Remote.URL != "http://vad.internal/vad" {
		t.Fatalf("expected env-expanded url, got %q", cfg.VAD.Remote.URL)
	}
}

func TestLoadConfigRequiresProviders(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "transports:\n  provider: mock\n"))
	if err == nil || !strings.Contains(err.Error(), "vendors.stt.provider") {
		t.Fatalf("expected stt provider error, got %v", err)
	}
}

func TestLoadConfigRequiresRemoteURL(t *testing.T) {
	body := minimalConfig + `
vad:
  remote:
    enabled: true
`
	_, err := LoadConfig(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "vad.remote.url") {
		t.Fatalf("expected remote url error, got %v", err)
	}
}
