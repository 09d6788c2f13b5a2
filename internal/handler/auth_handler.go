// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studyhub/internal/middleware"
	"github.com/hitoshi/studyhub/internal/model"
	"github.com/hitoshi/studyhub/internal/session"
)

// maxRequestBodySize はリクエストボディの最大サイズ。
const maxRequestBodySize = 64 << 10

// SessionService は認証ハンドラーが必要とするセッション操作。
// session.Adapterが実装する。
type SessionService interface {
	Snapshot() session.Snapshot
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, in session.SignUpInput) error
	SignOut(ctx context.Context) error
	SendEmailVerification(ctx context.Context) error
	ReloadUser(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	SignInWithGoogle(ctx context.Context) error
}

var _ SessionService = (*session.Adapter)(nil)

// AuthHandler はセッション操作のHTTPハンドラー。
type AuthHandler struct {
	service SessionService
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service SessionService) *AuthHandler {
	return &AuthHandler{service: service}
}

// signInRequest はログインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// signUpRequest はアカウント登録リクエストのボディ。
type signUpRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Phone           string `json:"phone"`
}

// passwordResetRequest はパスワードリセットリクエストのボディ。
type passwordResetRequest struct {
	Email string `json:"email"`
}

// messageResponse は結果メッセージのみを返すレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

// GetSession は現在のセッション状態を返す。
// GET /api/session
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// SignIn はメールアドレスとパスワードでログインする。
// POST /api/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := h.service.SignIn(r.Context(), req.Email, req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// SignUp はアカウントを登録する。
// POST /api/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	err := h.service.SignUp(r.Context(), session.SignUpInput{
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Phone:           req.Phone,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.service.Snapshot())
}

// SignOut はログアウトする。
// POST /api/auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// SendEmailVerification は確認メールを再送する。
// POST /api/auth/verification
func (h *AuthHandler) SendEmailVerification(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SendEmailVerification(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "Verification email sent"})
}

// ReloadUser はユーザー情報をプロバイダーから取得し直す。
// POST /api/auth/reload
func (h *AuthHandler) ReloadUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReloadUser(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// ResetPassword はパスワードリセットメールを送信する。
// 登録の有無にかかわらず同じレスポンスを返す。
// POST /api/auth/password-reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := h.service.ResetPassword(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "Password reset email sent"})
}

// SignInWithGoogle はGoogleアカウントでログインする。
// 同意画面のURLはイベントストリームのconsentイベントで通知され、完了までブロックする。
// POST /api/auth/google
func (h *AuthHandler) SignInWithGoogle(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignInWithGoogle(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// decodeJSONBody はリクエストボディをdstにデコードする。
// 失敗時は400レスポンスを書き込みfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  "Invalid request body",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はセッション層から返されたエラーを適切なHTTPステータスコードに変換する。
// APIError以外のエラーは詳細をログにのみ記録し、500を返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := middleware.StatusForCode(apiErr.Code)
		if status >= http.StatusInternalServerError || apiErr.Code == model.ErrCodeNetwork {
			slog.Error("request failed",
				slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
				slog.String("code", apiErr.Code),
				slog.String("error", err.Error()),
			)
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	slog.Error("unexpected error",
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
