// Package surveyapi is the dialogue backend client for the survey
// agent HTTP service.
package surveyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sonara-ai/sonara/pkg/dialogue"
	"github.com/sonara-ai/sonara/pkg/errorsx"
)

const statusCompleted = "completed"

type Settings struct {
	URL string `mapstructure:"url"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(settings Settings) (*Client, error) {
	if settings.URL == "" {
		return nil, errors.New("surveyapi: url is required")
	}
	return &Client{
		baseURL:    settings.URL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) Name() string { return "surveyapi" }

type startRequest struct {
	UserID string `json:"user_id"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

// Start opens a survey session for the caller and returns the backend
// session id plus the opening prompt.
func (c *Client) Start(ctx context.Context, userID string) (string, string, error) {
	var out startResponse
	if err := c.post(ctx, "/start-survey", startRequest{UserID: userID}, &out); err != nil {
		return "", "", errorsx.Wrap(err, errorsx.ReasonDialogueStart)
	}
	if out.SessionID == "" {
		return "", "", errorsx.Wrap(errors.New("surveyapi: start returned no session_id"), errorsx.ReasonDialogueStart)
	}
	return out.SessionID, out.Message, nil
}

type advanceRequest struct {
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
}

type advanceResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Advance feeds one transcript to the survey and returns the next
// question. status "completed" maps to Done.
func (c *Client) Advance(ctx context.Context, sessionID, input string) (dialogue.Reply, error) {
	var out advanceResponse
	if err := c.post(ctx, "/process-input", advanceRequest{SessionID: sessionID, UserInput: input}, &out); err != nil {
		return dialogue.Reply{}, errorsx.Wrap(err, errorsx.ReasonDialogueAdvance)
	}
	if out.Status == "error" {
		return dialogue.Reply{}, errorsx.Wrap(fmt.Errorf("surveyapi: backend error: %s", out.Message), errorsx.ReasonDialogueAdvance)
	}
	return dialogue.Reply{
		Text: out.Message,
		Done: out.Status == statusCompleted,
	}, nil
}

// End releases the backend session. Best-effort: callers log and move on.
func (c *Client) End(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/session/"+sessionID, nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDialogueEnd)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDialogueEnd)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return errorsx.Wrap(fmt.Errorf("surveyapi: delete status %d", resp.StatusCode), errorsx.ReasonDialogueEnd)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("surveyapi: %s status %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ dialogue.Backend = (*Client)(nil)
