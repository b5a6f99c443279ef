// Package silero is an HTTP client for the Silero VAD sidecar service.
package silero

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sonara-ai/sonara/pkg/errorsx"
	"github.com/sonara-ai/sonara/pkg/vad"
)

type Settings struct {
	URL string `mapstructure:"url"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(settings Settings) (*Client, error) {
	if settings.URL == "" {
		return nil, fmt.Errorf("silero: url is required")
	}
	return &Client{
		baseURL: settings.URL,
		// Per-call deadlines come from the arbitrator contexts; this
		// is a hard upper bound.
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Health probes GET /health. Any transport error, non-200 status or an
// unloaded model counts as unhealthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonVADHealth)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonVADHealth)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorsx.Wrap(fmt.Errorf("silero: health status %d", resp.StatusCode), errorsx.ReasonVADHealth)
	}
	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonVADHealth)
	}
	if hr.Status != "healthy" || !hr.ModelLoaded {
		return errorsx.Wrap(fmt.Errorf("silero: service reports %q model_loaded=%v", hr.Status, hr.ModelLoaded), errorsx.ReasonVADHealth)
	}
	return nil
}

type detectRequest struct {
	AudioData string `json:"audio_data"`
	SessionID string `json:"session_id"`
}

type detectResponse struct {
	IsSpeech          bool    `json:"is_speech"`
	SpeechProbability float64 `json:"speech_probability"`
	SessionState      string  `json:"session_state"`
	ProcessingTimeMs  float64 `json:"processing_time_ms"`
}

// Detect posts raw 16-bit mono PCM (base64 in the JSON body) to
// /vad/detect and maps the response onto a Decision. The service keeps
// per-session smoothing state keyed by session_id.
func (c *Client) Detect(ctx context.Context, sessionID string, pcm []byte) (vad.Decision, error) {
	payload, err := json.Marshal(detectRequest{
		AudioData: base64.StdEncoding.EncodeToString(pcm),
		SessionID: sessionID,
	})
	if err != nil {
		return vad.Decision{}, errorsx.Wrap(err, errorsx.ReasonVADDetect)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vad/detect", bytes.NewReader(payload))
	if err != nil {
		return vad.Decision{}, errorsx.Wrap(err, errorsx.ReasonVADDetect)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return vad.Decision{}, errorsx.Wrap(err, errorsx.ReasonVADDetect)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return vad.Decision{}, errorsx.Wrap(fmt.Errorf("silero: detect status %d: %s", resp.StatusCode, body), errorsx.ReasonVADDetect)
	}

	var dr detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return vad.Decision{}, errorsx.Wrap(err, errorsx.ReasonVADDetect)
	}
	return vad.Decision{
		Speech:     dr.IsSpeech,
		Confidence: dr.SpeechProbability,
		Source:     vad.SourceRemote,
	}, nil
}
