package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sonara-ai/sonara/pkg/adapters/tts"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/errorsx"
	"github.com/sonara-ai/sonara/pkg/logging"
)

const defaultBaseURL = "https://api.elevenlabs.io"

type Config struct {
	APIKey       string  `mapstructure:"api_key"`
	VoiceID      string  `mapstructure:"voice_id"`
	ModelID      string  `mapstructure:"model_id"`
	OutputFormat string  `mapstructure:"output_format"`
	SampleRate   int     `mapstructure:"sample_rate"`
	Stability    float64 `mapstructure:"stability"`
	Similarity   float64 `mapstructure:"similarity"`
	BaseURL      string  `mapstructure:"base_url"`
}

// RestTTS renders replies through the ElevenLabs HTTP endpoint. One
// blocking request per reply; the pipeline slices the returned PCM for
// pacing, so no streaming socket is needed.
type RestTTS struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config) (*RestTTS, error) {
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: api key and voice id are required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.OutputFormat == "" {
		// ulaw_8000 matches the telephony leg; decoded to linear16
		// below so the rest of the pipeline sees PCM.
		cfg.OutputFormat = fmt.Sprintf("ulaw_%d", cfg.SampleRate)
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &RestTTS{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.Component(slog.Default(), "elevenlabs_tts"),
	}, nil
}

func (s *RestTTS) Name() string { return "elevenlabs_rest" }

type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize renders text to 16-bit mono PCM at the configured sample
// rate. Empty or whitespace-only text yields empty audio and nil error.
func (s *RestTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	payload, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: s.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       s.cfg.Stability,
			SimilarityBoost: s.cfg.Similarity,
		},
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.cfg.BaseURL, s.cfg.VoiceID, s.cfg.OutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, body), errorsx.ReasonTTSSynthesize)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}

	if strings.HasPrefix(s.cfg.OutputFormat, "ulaw") {
		raw = audio.DecodeMuLaw(raw)
	}
	s.logger.Debug("reply synthesized",
		slog.Int("text_len", len(text)),
		slog.Int("pcm_bytes", len(raw)))
	return raw, nil
}

var _ tts.Synthesizer = (*RestTTS)(nil)
