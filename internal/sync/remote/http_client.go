package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/models"
)

const maxResponseBytes = 1 << 20

// maxErrorText bounds how many runes of a plain-text error body are kept.
const maxErrorText = 200

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. The empty token sends no header.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// HTTPClient delivers entries over the backend's HTTP API.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewHTTPClient creates a client for baseURL. A nil httpClient uses a
// client without its own timeout; callers bound each request with ctx.
func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
	}
}

// Submit implements Backend.
//
// Status mapping:
//
//	200, 201       ack
//	409            conflict (any reason code)
//	422            conflict when the reason code is known, otherwise validation
//	408, 429, 5xx  transient
//	401            transient (credentials, not the entry, are at fault)
//	other 4xx      validation
func (c *HTTPClient) Submit(ctx context.Context, req Request) (models.Ack, error) {
	body, err := json.Marshal(SubmitBody{EntityType: req.EntityType, Payload: req.Payload})
	if err != nil {
		return models.Ack{}, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/interactions", bytes.NewReader(body))
	if err != nil {
		return models.Ack{}, apperrors.Wrap(apperrors.ErrNetwork, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	if req.ExpectedVersion != "" {
		httpReq.Header.Set(HeaderIfMatch, req.ExpectedVersion)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return models.Ack{}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return models.Ack{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.Ack{}, transportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out SubmitResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return models.Ack{}, apperrors.Wrap(apperrors.ErrNetwork, "decode ack", err)
		}
		if out.ServerID == "" {
			return models.Ack{}, apperrors.New(apperrors.ErrNetwork, "ack without server_id")
		}
		return models.Ack{ServerID: out.ServerID, Version: out.Version, Replayed: out.Replayed}, nil

	case resp.StatusCode == http.StatusConflict:
		return models.Ack{}, decodeConflict(data)

	case resp.StatusCode == http.StatusUnprocessableEntity:
		var cb ConflictBody
		if json.Unmarshal(data, &cb) == nil && models.ConflictReason(cb.ReasonCode).Known() {
			return models.Ack{}, decodeConflict(data)
		}
		return models.Ack{}, apperrors.New(apperrors.ErrValidation, errorMessage(resp.StatusCode, data))

	case resp.StatusCode == http.StatusUnauthorized:
		return models.Ack{}, apperrors.New(apperrors.ErrUnauthorized, errorMessage(resp.StatusCode, data))

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return models.Ack{}, apperrors.New(apperrors.ErrNetwork, errorMessage(resp.StatusCode, data))

	case resp.StatusCode >= 400:
		return models.Ack{}, apperrors.New(apperrors.ErrValidation, errorMessage(resp.StatusCode, data))
	}

	return models.Ack{}, apperrors.Newf(apperrors.ErrNetwork, "unexpected status %d", resp.StatusCode)
}

// Health checks that the backend is reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrNetwork, "health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUnauthorized, "obtain token", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// decodeConflict keeps unknown reason codes verbatim.
func decodeConflict(data []byte) error {
	var cb ConflictBody
	if err := json.Unmarshal(data, &cb); err != nil {
		cb = ConflictBody{Message: strings.TrimSpace(string(data))}
	}
	if cb.ReasonCode == "" {
		cb.ReasonCode = "CONFLICT"
	}
	return &ConflictError{
		Reason:         models.ConflictReason(cb.ReasonCode),
		CurrentVersion: cb.CurrentVersion,
		CurrentState:   cb.CurrentState,
		Message:        cb.Message,
	}
}

func errorMessage(status int, data []byte) string {
	var eb ErrorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		if eb.Message != "" {
			return fmt.Sprintf("status %d: %s: %s", status, eb.Error, eb.Message)
		}
		return fmt.Sprintf("status %d: %s", status, eb.Error)
	}
	text := strings.TrimSpace(string(data))
	if utf8.RuneCountInString(text) > maxErrorText {
		text = string([]rune(text)[:maxErrorText])
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return fmt.Sprintf("status %d: %s", status, text)
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, "request failed", err)
}

// DefaultRequestTimeout bounds a single delivery.
const DefaultRequestTimeout = 30 * time.Second
