// Package apiclient は学習バックエンドAPIのクライアントを提供する。
// すべてのリクエストに現在のセッションのベアラートークンを付与する。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/studyhub/internal/model"
)

// maxResponseSize はレスポンスボディの最大読み取りサイズ。
const maxResponseSize = 1 << 20

// TokenSource は現在のベアラートークンを提供する。
type TokenSource interface {
	Token() (token string, ok bool)
}

// LatencyRecorder はバックエンド呼び出しのレイテンシを記録する。
type LatencyRecorder interface {
	RecordBackendLatency(endpoint string, duration time.Duration)
}

// UserInfo は/meのレスポンス。
type UserInfo struct {
	Email         string `json:"email"`
	UID           string `json:"uid"`
	EmailVerified bool   `json:"email_verified"`
}

// ProgressRequest は/save-progressのリクエスト。
type ProgressRequest struct {
	Progress  map[string]any `json:"progress"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// ProgressResponse は/save-progressのレスポンス。
type ProgressResponse struct {
	Message   string         `json:"message"`
	UserEmail string         `json:"user_email"`
	UserUID   string         `json:"user_uid"`
	Progress  map[string]any `json:"progress"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// TestRequest は/generate-testのリクエスト。
type TestRequest struct {
	Topic         string `json:"topic"`
	Difficulty    string `json:"difficulty"`
	QuestionCount int    `json:"question_count"`
}

// Question は生成されたテストの設問。
type Question struct {
	ID            int      `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

// TestResponse は/generate-testのレスポンス。
type TestResponse struct {
	Message       string     `json:"message"`
	UserEmail     string     `json:"user_email"`
	UserUID       string     `json:"user_uid"`
	Topic         string     `json:"topic"`
	Difficulty    string     `json:"difficulty"`
	QuestionCount int        `json:"question_count"`
	Questions     []Question `json:"questions"`
}

// FileInfo はアップロード済みファイルの情報。
type FileInfo struct {
	Filename   string  `json:"filename"`
	Size       int64   `json:"size"`
	UploadedAt float64 `json:"uploaded_at"`
}

// FileList は/filesのレスポンス。
type FileList struct {
	Files []FileInfo `json:"files"`
}

// Client はバックエンドAPIのクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	latency    LatencyRecorder
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。latencyはnilでもよい。
func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource, latency LatencyRecorder, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		latency:    latency,
		logger:     logger,
	}
}

// GetUserInfo は現在のユーザー情報を取得する。
func (c *Client) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	var out UserInfo
	if err := c.do(ctx, http.MethodGet, "/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveProgress は学習の進捗を保存する。
func (c *Client) SaveProgress(ctx context.Context, req ProgressRequest) (*ProgressResponse, error) {
	if req.Progress == nil {
		return nil, model.NewValidationError("progress is required")
	}
	var out ProgressResponse
	if err := c.do(ctx, http.MethodPost, "/save-progress", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateTest はテストを生成する。QuestionCountが0の場合は10問とする。
func (c *Client) GenerateTest(ctx context.Context, req TestRequest) (*TestResponse, error) {
	if strings.TrimSpace(req.Topic) == "" || strings.TrimSpace(req.Difficulty) == "" {
		return nil, model.NewValidationError("topic and difficulty are required")
	}
	if req.QuestionCount < 0 {
		return nil, model.NewValidationError("question count must not be negative")
	}
	if req.QuestionCount == 0 {
		req.QuestionCount = 10
	}
	var out TestResponse
	if err := c.do(ctx, http.MethodPost, "/generate-test", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFiles はアップロード済みファイルの一覧を取得する。
func (c *Client) ListFiles(ctx context.Context) (*FileList, error) {
	var out FileList
	if err := c.do(ctx, http.MethodGet, "/files", nil, &out); err != nil {
		return nil, err
	}
	if out.Files == nil {
		out.Files = []FileInfo{}
	}
	return &out, nil
}

// do はリクエストを送信してレスポンスをoutにデコードする。
// ログインしていない場合はNoActiveSession、401はUnauthorizedを返す。
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	token, ok := c.tokens.Token()
	if !ok {
		return model.NewNoActiveSessionError()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.latency != nil {
		c.latency.RecordBackendLatency(endpoint, time.Since(start))
	}
	if err != nil {
		c.logger.Error("backend request failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError("", fmt.Errorf("backend request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return model.NewNetworkError("", fmt.Errorf("failed to read backend response: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("backend rejected bearer token", slog.String("endpoint", endpoint))
		return model.NewUnauthorizedError()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("backend returned error status",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewNetworkError(fmt.Sprintf("HTTP error! status: %d", resp.StatusCode), nil)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return model.NewNetworkError("", fmt.Errorf("failed to parse backend response: %w", err))
	}
	return nil
}
