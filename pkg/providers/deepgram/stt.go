package deepgram

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sonara-ai/sonara/pkg/adapters/stt"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/errorsx"
	"github.com/sonara-ai/sonara/pkg/logging"
)

type Config struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	Language    string `mapstructure:"language"`
	SampleRate  int    `mapstructure:"sample_rate"`
	SmartFormat bool   `mapstructure:"smart_format"`
}

// BatchSTT transcribes whole utterances through the Deepgram
// prerecorded REST API. Utterances are short (seconds), so the batch
// endpoint keeps the contract blocking without a websocket session per
// call.
type BatchSTT struct {
	cfg    Config
	dg     *api.Client
	logger *slog.Logger
}

func New(cfg Config) (*BatchSTT, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}

	rest := client.NewREST(cfg.APIKey, &interfaces.ClientOptions{})
	return &BatchSTT{
		cfg:    cfg,
		dg:     api.New(rest),
		logger: logging.Component(slog.Default(), "deepgram_stt"),
	}, nil
}

func (s *BatchSTT) Name() string { return "deepgram_batch" }

// Transcribe posts one utterance of 16-bit mono PCM and returns the
// top transcript. An utterance Deepgram hears nothing in comes back as
// an empty string with nil error.
func (s *BatchSTT) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       s.cfg.Model,
		Language:    s.cfg.Language,
		SmartFormat: s.cfg.SmartFormat,
	}

	// The WAV header carries rate and width, so no encoding params.
	wav := audio.WrapWAV(pcm, s.cfg.SampleRate)
	resp, err := s.dg.FromStream(ctx, bytes.NewReader(wav), options)
	if err != nil {
		s.logger.Warn("prerecorded request failed",
			slog.Int("audio_bytes", len(pcm)),
			slog.String("error", err.Error()))
		return "", errorsx.Wrap(err, errorsx.ReasonSTTTranscribe)
	}

	if resp == nil || len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	transcript := resp.Results.Channels[0].Alternatives[0].Transcript
	s.logger.Debug("utterance transcribed",
		slog.Int("audio_bytes", len(pcm)),
		slog.Int("transcript_len", len(transcript)))
	return transcript, nil
}

var _ stt.Transcriber = (*BatchSTT)(nil)
