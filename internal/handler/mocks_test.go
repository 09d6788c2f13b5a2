package handler

import (
	"context"
	"sync"

	"github.com/hitoshi/studyhub/internal/apiclient"
	"github.com/hitoshi/studyhub/internal/model"
	"github.com/hitoshi/studyhub/internal/session"
)

// mockSessionService はテスト用のSessionService実装。
type mockSessionService struct {
	mu       sync.Mutex
	snapshot session.Snapshot
	calls    []string

	signInFn           func(ctx context.Context, email, password string) error
	signUpFn           func(ctx context.Context, in session.SignUpInput) error
	signOutFn          func(ctx context.Context) error
	sendVerificationFn func(ctx context.Context) error
	reloadUserFn       func(ctx context.Context) error
	resetPasswordFn    func(ctx context.Context, email string) error
	signInWithGoogleFn func(ctx context.Context) error
}

func newMockSessionService() *mockSessionService {
	return &mockSessionService{
		snapshot: session.Snapshot{State: session.StateSignedOut},
	}
}

func (m *mockSessionService) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockSessionService) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockSessionService) setSignedIn(user *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = session.Snapshot{User: user, State: session.StateSignedIn}
}

func (m *mockSessionService) setSignedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = session.Snapshot{State: session.StateSignedOut}
}

func (m *mockSessionService) Snapshot() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *mockSessionService) SignIn(ctx context.Context, email, password string) error {
	m.record("SignIn")
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil
}

func (m *mockSessionService) SignUp(ctx context.Context, in session.SignUpInput) error {
	m.record("SignUp")
	if m.signUpFn != nil {
		return m.signUpFn(ctx, in)
	}
	return nil
}

func (m *mockSessionService) SignOut(ctx context.Context) error {
	m.record("SignOut")
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	m.setSignedOut()
	return nil
}

func (m *mockSessionService) SendEmailVerification(ctx context.Context) error {
	m.record("SendEmailVerification")
	if m.sendVerificationFn != nil {
		return m.sendVerificationFn(ctx)
	}
	return nil
}

func (m *mockSessionService) ReloadUser(ctx context.Context) error {
	m.record("ReloadUser")
	if m.reloadUserFn != nil {
		return m.reloadUserFn(ctx)
	}
	return nil
}

func (m *mockSessionService) ResetPassword(ctx context.Context, email string) error {
	m.record("ResetPassword")
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, email)
	}
	return nil
}

func (m *mockSessionService) SignInWithGoogle(ctx context.Context) error {
	m.record("SignInWithGoogle")
	if m.signInWithGoogleFn != nil {
		return m.signInWithGoogleFn(ctx)
	}
	return nil
}

// mockBackend はテスト用のBackendAPI実装。
type mockBackend struct {
	getUserInfoFn  func(ctx context.Context) (*apiclient.UserInfo, error)
	saveProgressFn func(ctx context.Context, req apiclient.ProgressRequest) (*apiclient.ProgressResponse, error)
	generateTestFn func(ctx context.Context, req apiclient.TestRequest) (*apiclient.TestResponse, error)
	listFilesFn    func(ctx context.Context) (*apiclient.FileList, error)
}

func (m *mockBackend) GetUserInfo(ctx context.Context) (*apiclient.UserInfo, error) {
	if m.getUserInfoFn != nil {
		return m.getUserInfoFn(ctx)
	}
	return &apiclient.UserInfo{}, nil
}

func (m *mockBackend) SaveProgress(ctx context.Context, req apiclient.ProgressRequest) (*apiclient.ProgressResponse, error) {
	if m.saveProgressFn != nil {
		return m.saveProgressFn(ctx, req)
	}
	return &apiclient.ProgressResponse{Progress: req.Progress}, nil
}

func (m *mockBackend) GenerateTest(ctx context.Context, req apiclient.TestRequest) (*apiclient.TestResponse, error) {
	if m.generateTestFn != nil {
		return m.generateTestFn(ctx, req)
	}
	return &apiclient.TestResponse{Topic: req.Topic}, nil
}

func (m *mockBackend) ListFiles(ctx context.Context) (*apiclient.FileList, error) {
	if m.listFilesFn != nil {
		return m.listFilesFn(ctx)
	}
	return &apiclient.FileList{Files: []apiclient.FileInfo{}}, nil
}

// mockHealthChecker はテスト用のHealthChecker実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error {
	return m.err
}
