// Package modelclient implements the single outbound capability the
// worker depends on: generate(prompt) -> (text, error_kind). It is
// the concrete HTTP binding for the external generative model,
// classifying transport and HTTP failures into error kinds so the
// worker state machine can branch without knowing about HTTP at all.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ps-research/M-Heath-Annotator/internal/errkind"
)

// ErrorKind classifies a failed generate call: rate_limit,
// invalid_credential, or other.
type ErrorKind string

const (
	ErrorNone              ErrorKind = ""
	ErrorRateLimit         ErrorKind = "rate_limit"
	ErrorInvalidCredential ErrorKind = "invalid_credential"
	ErrorOther             ErrorKind = "other"
)

// Client calls the external generative model over HTTP. It holds no
// per-worker state; one Client is shared process-wide by the worker
// binary.
type Client struct {
	baseURL    string
	credential string
	model      string
	httpClient *http.Client
}

// New builds a Client bound to one credential (one annotator's API
// key) and model name. baseURL is the generation endpoint root.
func New(baseURL, credential, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Generate sends prompt to the model endpoint and classifies the
// outcome. A transport-level failure (connection refused, timeout,
// malformed response body) is reported as ErrorOther with the
// underlying error's message as the returned text, not escalated to a
// Go error return,
// since the worker treats every generate() outcome as data to branch
// on rather than a fatal condition.
func (c *Client) Generate(ctx context.Context, prompt string) (string, ErrorKind, error) {
	payload, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", ErrorOther, fmt.Errorf("modelclient: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return "", ErrorOther, fmt.Errorf("modelclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err.Error(), ErrorOther, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return "", ErrorRateLimit, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return "", ErrorInvalidCredential, nil
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err.Error(), ErrorOther, nil
	}
	if resp.StatusCode >= 400 {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return msg, ErrorOther, nil
	}

	return out.Text, ErrorNone, nil
}

// ToErrKind maps an ErrorKind onto the cross-package errkind taxonomy
// so callers outside this package (the worker) reason in one vocabulary.
func ToErrKind(k ErrorKind) errkind.Kind {
	switch k {
	case ErrorRateLimit:
		return errkind.RateLimit
	case ErrorInvalidCredential:
		return errkind.InvalidCredential
	default:
		return errkind.ModelTransient
	}
}
