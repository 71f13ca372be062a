package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

// APIError is a non-2xx reply from the matrix API.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// Retryable reports whether replaying the same request later may succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusConflict || e.Status >= http.StatusInternalServerError
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodGet, "/healthz", nil, nil, "")
}

func (c *Client) Stages(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/stages", nil, &out, "")
	return out, err
}

func (c *Client) RegisterMember(ctx context.Context, in matrix.RegisterInput, idem string) (matrix.User, error) {
	var out matrix.User
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/members", in, &out, idem)
	return out, err
}

func (c *Client) ConfirmPayment(ctx context.Context, userID, idem string) (matrix.User, error) {
	var out matrix.User
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/members/"+url.PathEscape(userID)+"/payment", nil, &out, idem)
	return out, err
}

func (c *Client) RecordDeposit(ctx context.Context, userID string, amountMicros int64, idem string) (matrix.Deposit, error) {
	var out matrix.Deposit
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/members/"+url.PathEscape(userID)+"/deposits", map[string]any{
		"amount_micros": amountMicros,
	}, &out, idem)
	return out, err
}

func (c *Client) ApproveDeposit(ctx context.Context, depositID int64, idem string) (matrix.Deposit, error) {
	var out matrix.Deposit
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/deposits/%d/approve", depositID), nil, &out, idem)
	return out, err
}

// ProcessReferral returns the engine's result for both placed and refused
// referrals; only transport and server faults are errors.
func (c *Client) ProcessReferral(ctx context.Context, referrerID, memberID, idem string) (matrix.ReferralResult, error) {
	var out matrix.ReferralResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/referrals", map[string]any{
		"referrer_id": referrerID,
		"member_id":   memberID,
	}, &out, idem)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
		if jerr := json.Unmarshal(apiErr.Body, &out); jerr == nil {
			return out, nil
		}
	}
	return out, err
}

func (c *Client) CheckProgression(ctx context.Context, userID string) (matrix.ProgressionResult, error) {
	var out matrix.ProgressionResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/members/"+url.PathEscape(userID)+"/progression/check", nil, &out, "")
	return out, err
}

func (c *Client) Sweep(ctx context.Context, limit int) (matrix.SweepResult, error) {
	var out matrix.SweepResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/progression/sweep?limit="+strconv.Itoa(limit), nil, &out, "")
	return out, err
}

func (c *Client) Summary(ctx context.Context, userID string) (matrix.Summary, error) {
	var out matrix.Summary
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/members/"+url.PathEscape(userID)+"/summary", nil, &out, "")
	return out, err
}

func (c *Client) MatrixTree(ctx context.Context, userID string, s stage.Stage, depth int) (matrix.MatrixTree, error) {
	var out matrix.MatrixTree
	path := fmt.Sprintf("/v1/members/%s/matrix/%s?depth=%d", url.PathEscape(userID), s.String(), depth)
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out, err
}

// Do sends a raw request. Used to replay queued commands.
func (c *Client) Do(ctx context.Context, method, path string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, path, in, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw), Body: raw}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
