// Package client はage-stats-serviceのHTTPクライアントを提供する。
// 暗号化と復号はクライアント側で行い、サーバーには暗号文のみを送る。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError はサーバーが返したエラーレスポンス。
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable はリトライで成功する可能性があるかを返す。
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// StatsResponse はGET /statsのレスポンス。
type StatsResponse struct {
	TotalUsers            int64             `json:"totalUsers"`
	EvaluatedRecords      int               `json:"evaluatedRecords"`
	SkippedRecords        int               `json:"skippedRecords"`
	PerThresholdEncrypted map[string]string `json:"perThresholdEncrypted"`
	PerThresholdStatus    map[string]string `json:"perThresholdStatus"`
}

type submitAgeRequest struct {
	EncryptedAge string `json:"encryptedAge"`
	UserID       string `json:"userId,omitempty"`
}

type submitAgeResponse struct {
	UserID string `json:"userId"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は使用するhttp.Clientを設定する。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout はリクエストごとのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client はage-stats-serviceのAPIクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New は新しいClientを生成する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   2 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health はサーバーの稼働状態を確認する。
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("server reported status %q", resp.Status)
	}
	return nil
}

// SubmitAge はエンコード済みの暗号化年齢を提出し、サーバーが記録したユーザーIDを返す。
func (c *Client) SubmitAge(ctx context.Context, userID, encryptedAge string) (string, error) {
	var resp submitAgeResponse
	req := submitAgeRequest{EncryptedAge: encryptedAge, UserID: userID}
	if err := c.do(ctx, http.MethodPost, "/submit-age", req, &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Stats は閾値ごとの暗号化された集計結果を取得する。
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}

	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	return apiErr
}

// IsCode はエラーが指定されたコードのAPIErrorかどうかを返す。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
