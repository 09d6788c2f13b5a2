package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studyhub/internal/apiclient"
	"github.com/hitoshi/studyhub/internal/model"
)

// BackendAPI はバックエンドAPIプロキシが必要とするクライアント。
type BackendAPI interface {
	GetUserInfo(ctx context.Context) (*apiclient.UserInfo, error)
	SaveProgress(ctx context.Context, req apiclient.ProgressRequest) (*apiclient.ProgressResponse, error)
	GenerateTest(ctx context.Context, req apiclient.TestRequest) (*apiclient.TestResponse, error)
	ListFiles(ctx context.Context) (*apiclient.FileList, error)
}

var _ BackendAPI = (*apiclient.Client)(nil)

// SessionTerminator はバックエンドがトークンを拒否した場合にセッションを終了する。
type SessionTerminator interface {
	SignOut(ctx context.Context) error
}

// APIHandler はバックエンドAPIへのプロキシハンドラー。
type APIHandler struct {
	backend BackendAPI
	session SessionTerminator
}

// NewAPIHandler はAPIHandlerを生成する。
func NewAPIHandler(backend BackendAPI, session SessionTerminator) *APIHandler {
	return &APIHandler{backend: backend, session: session}
}

// GetUserInfo はバックエンドから見たユーザー情報を返す。
// GET /api/me
func (h *APIHandler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.backend.GetUserInfo(r.Context())
	if err != nil {
		h.handleBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// SaveProgress は学習の進捗を保存する。
// POST /api/progress
func (h *APIHandler) SaveProgress(w http.ResponseWriter, r *http.Request) {
	var req apiclient.ProgressRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	resp, err := h.backend.SaveProgress(r.Context(), req)
	if err != nil {
		h.handleBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GenerateTest はテストを生成する。
// POST /api/tests
func (h *APIHandler) GenerateTest(w http.ResponseWriter, r *http.Request) {
	var req apiclient.TestRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	resp, err := h.backend.GenerateTest(r.Context(), req)
	if err != nil {
		h.handleBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListFiles はアップロード済みファイルの一覧を返す。
// GET /api/files
func (h *APIHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	list, err := h.backend.ListFiles(r.Context())
	if err != nil {
		h.handleBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleBackendError はバックエンドがトークンを拒否した場合にセッションを終了してからエラーを返す。
func (h *APIHandler) handleBackendError(w http.ResponseWriter, r *http.Request, err error) {
	if model.HasCode(err, model.ErrCodeUnauthorized) {
		// SignOutはプロバイダーが失敗してもローカルの状態を消去する
		if signOutErr := h.session.SignOut(r.Context()); signOutErr != nil {
			slog.Warn("sign-out after backend rejection reported an error",
				slog.String("error", signOutErr.Error()),
			)
		}
	}
	handleServiceError(w, r, err)
}
