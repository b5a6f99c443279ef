package engine

import (
	"fmt"
	"strings"

	"github.com/sonara-ai/sonara/pkg/adapters/stt"
	"github.com/sonara-ai/sonara/pkg/adapters/tts"
	"github.com/sonara-ai/sonara/pkg/configutil"
	"github.com/sonara-ai/sonara/pkg/dialogue"
	"github.com/sonara-ai/sonara/pkg/providers/deepgram"
	"github.com/sonara-ai/sonara/pkg/providers/elevenlabs"
	"github.com/sonara-ai/sonara/pkg/providers/mock"
	"github.com/sonara-ai/sonara/pkg/providers/surveyapi"
	"github.com/sonara-ai/sonara/pkg/transports"
	transportmock "github.com/sonara-ai/sonara/pkg/transports/mock"
	"github.com/sonara-ai/sonara/pkg/transports/twilio"
)

type STTFactory func(cfg Config) (stt.Transcriber, error)
type TTSFactory func(cfg Config) (tts.Synthesizer, error)
type DialogueFactory func(cfg Config) (dialogue.Backend, error)
type TransportFactory func(cfg Config) (transports.Transport, error)

// ProviderRegistry maps config provider names to constructors. Vendor
// settings maps stay free-form yaml; each factory decodes what it
// needs.
type ProviderRegistry struct {
	stt       map[string]STTFactory
	tts       map[string]TTSFactory
	dialogue  map[string]DialogueFactory
	transport map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactory),
		tts:       make(map[string]TTSFactory),
		dialogue:  make(map[string]DialogueFactory),
		transport: make(map[string]TransportFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterDialogue(name string, factory DialogueFactory) {
	r.dialogue[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transport[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config) (stt.Transcriber, error) {
	fn := r.stt[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTS(provider string, cfg Config) (tts.Synthesizer, error) {
	fn := r.tts[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildDialogue(provider string, cfg Config) (dialogue.Backend, error) {
	fn := r.dialogue[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("dialogue provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTransport(provider string, cfg Config) (transports.Transport, error) {
	fn := r.transport[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", provider)
	}
	return fn(cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultProviderRegistry wires the stock providers. Applications with
// custom vendors start from NewProviderRegistry instead.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT("deepgram", func(cfg Config) (stt.Transcriber, error) {
		var dc deepgram.Config
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &dc); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		if dc.SampleRate == 0 {
			dc.SampleRate = cfg.Engine.SampleRate
		}
		return deepgram.New(dc)
	})
	r.RegisterSTT("mock", func(cfg Config) (stt.Transcriber, error) {
		var mc mock.STTConfig
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &mc); err != nil {
			return nil, fmt.Errorf("mock stt settings: %w", err)
		}
		return mock.NewSTT(mc), nil
	})

	r.RegisterTTS("elevenlabs", func(cfg Config) (tts.Synthesizer, error) {
		var ec elevenlabs.Config
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &ec); err != nil {
			return nil, fmt.Errorf("elevenlabs settings: %w", err)
		}
		if ec.SampleRate == 0 {
			ec.SampleRate = cfg.Engine.SampleRate
		}
		return elevenlabs.New(ec)
	})
	r.RegisterTTS("mock", func(cfg Config) (tts.Synthesizer, error) {
		return mock.NewTTS(mock.TTSConfig{SampleRate: cfg.Engine.SampleRate}), nil
	})

	r.RegisterDialogue("surveyapi", func(cfg Config) (dialogue.Backend, error) {
		var sc surveyapi.Settings
		if err := configutil.DecodeSettings(cfg.Vendors.Dialogue.Settings, &sc); err != nil {
			return nil, fmt.Errorf("surveyapi settings: %w", err)
		}
		return surveyapi.New(sc)
	})
	r.RegisterDialogue("mock", func(cfg Config) (dialogue.Backend, error) {
		var mc mock.DialogueConfig
		if err := configutil.DecodeSettings(cfg.Vendors.Dialogue.Settings, &mc); err != nil {
			return nil, fmt.Errorf("mock dialogue settings: %w", err)
		}
		return mock.NewDialogue(mc), nil
	})

	r.RegisterTransport("twilio", func(cfg Config) (transports.Transport, error) {
		var tc twilio.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &tc); err != nil {
			return nil, fmt.Errorf("twilio settings: %w", err)
		}
		if err := configutil.RequireString(tc.AuthToken, "transports.settings.auth_token"); err != nil {
			return nil, err
		}
		return twilio.New(tc), nil
	})
	r.RegisterTransport("mock", func(cfg Config) (transports.Transport, error) {
		return transportmock.New(), nil
	})

	return r
}
