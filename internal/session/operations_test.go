package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/studyhub/internal/model"
)

func validSignUpInput() SignUpInput {
	return SignUpInput{
		Email:           "a@b.com",
		Password:        "secret1",
		ConfirmPassword: "secret1",
		FirstName:       "Ann",
		LastName:        "Lee",
		Phone:           "123",
	}
}

func TestSignIn_ThenReloadUser_KeepsSubmittedEmail(t *testing.T) {
	f := newFixture(t)
	f.resolveSignedOut()
	f.provider.authenticateFn = func(ctx context.Context, email, password string) (Identity, error) {
		return &fakeIdentity{uid: "uid-1", email: email}, nil
	}

	ctx := context.Background()
	if err := f.adapter.SignIn(ctx, "a@b.com", "secret1"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if err := f.adapter.ReloadUser(ctx); err != nil {
		t.Fatalf("ReloadUser() error = %v", err)
	}

	snap := f.adapter.Snapshot()
	if snap.User == nil || snap.User.Email != "a@b.com" {
		t.Fatalf("user = %+v, want email a@b.com", snap.User)
	}
	if snap.State != StateSignedIn {
		t.Errorf("State = %q, want %q", snap.State, StateSignedIn)
	}
}

func TestSignIn_PersistsToken(t *testing.T) {
	f := newFixture(t)
	f.resolveSignedOut()
	f.provider.authenticateFn = func(ctx context.Context, email, password string) (Identity, error) {
		return &fakeIdentity{uid: "uid-1", email: email}, nil
	}

	if err := f.adapter.SignIn(context.Background(), "a@b.com", "secret1"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	token, ok := f.persistedToken()
	if !ok || token != "token-uid-1-0" {
		t.Errorf("persisted token = %q (ok=%v), want %q", token, ok, "token-uid-1-0")
	}
}

func TestSignIn_BlankCredentials_NoProviderCall(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.SignIn(context.Background(), "  ", "secret1")
	if !model.HasCode(err, model.ErrCodeValidation) {
		t.Fatalf("SignIn() error = %v, want VALIDATION_ERROR", err)
	}
	if f.provider.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.callCount())
	}
}

func TestSignIn_InvalidCredentials_Propagated(t *testing.T) {
	f := newFixture(t)
	f.resolveSignedOut()
	f.provider.authenticateFn = func(ctx context.Context, email, password string) (Identity, error) {
		return nil, model.NewInvalidCredentialsError("INVALID_LOGIN_CREDENTIALS", nil)
	}

	err := f.adapter.SignIn(context.Background(), "a@b.com", "wrong")
	if !model.HasCode(err, model.ErrCodeInvalidCredentials) {
		t.Fatalf("SignIn() error = %v, want INVALID_CREDENTIALS", err)
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "INVALID_LOGIN_CREDENTIALS" {
		t.Errorf("Message = %q, provider message should pass through", apiErr.Message)
	}
	if f.adapter.Snapshot().State != StateSignedOut {
		t.Error("expected to stay signed out")
	}
}

func TestSignIn_TransportFailure_BecomesNetworkError(t *testing.T) {
	f := newFixture(t)
	f.provider.authenticateFn = func(ctx context.Context, email, password string) (Identity, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}

	err := f.adapter.SignIn(context.Background(), "a@b.com", "secret1")
	if !model.HasCode(err, model.ErrCodeNetwork) {
		t.Fatalf("SignIn() error = %v, want NETWORK_ERROR", err)
	}
}

func TestSignUp_ShortPassword_NoSideEffects(t *testing.T) {
	f := newFixture(t)
	in := validSignUpInput()
	in.Password = "12345"
	in.ConfirmPassword = "12345"

	err := f.adapter.SignUp(context.Background(), in)
	if !model.HasCode(err, model.ErrCodeWeakPassword) {
		t.Fatalf("SignUp() error = %v, want WEAK_PASSWORD", err)
	}
	if f.provider.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.callCount())
	}
	if f.docs.writeCount() != 0 {
		t.Errorf("document writes = %d, want 0", f.docs.writeCount())
	}
}

func TestSignUp_MismatchedConfirmation_NoSideEffects(t *testing.T) {
	f := newFixture(t)
	in := validSignUpInput()
	in.ConfirmPassword = "secret2"

	err := f.adapter.SignUp(context.Background(), in)
	if !model.HasCode(err, model.ErrCodeValidation) {
		t.Fatalf("SignUp() error = %v, want VALIDATION_ERROR", err)
	}
	if f.provider.callCount() != 0 || f.docs.writeCount() != 0 {
		t.Errorf("expected no side effects, provider=%d writes=%d", f.provider.callCount(), f.docs.writeCount())
	}
}

func TestSignUp_BlankRequiredField_ValidationError(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *SignUpInput)
	}{
		{"first name", func(in *SignUpInput) { in.FirstName = " " }},
		{"last name", func(in *SignUpInput) { in.LastName = "" }},
		{"phone", func(in *SignUpInput) { in.Phone = "\t" }},
		{"email", func(in *SignUpInput) { in.Email = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := validSignUpInput()
			tt.mutate(&in)

			err := f.adapter.SignUp(context.Background(), in)
			if !model.HasCode(err, model.ErrCodeValidation) {
				t.Fatalf("SignUp() error = %v, want VALIDATION_ERROR", err)
			}
			if f.provider.callCount() != 0 {
				t.Errorf("provider calls = %d, want 0", f.provider.callCount())
			}
		})
	}
}

func TestSignUp_RequiredFieldsCheckedBeforePasswordRules(t *testing.T) {
	f := newFixture(t)
	in := validSignUpInput()
	in.FirstName = ""
	in.Password = "123"
	in.ConfirmPassword = "456"

	err := f.adapter.SignUp(context.Background(), in)
	if !model.HasCode(err, model.ErrCodeValidation) {
		t.Fatalf("SignUp() error = %v, want VALIDATION_ERROR", err)
	}
	if !strings.Contains(err.Error(), "fill in all fields") {
		t.Errorf("error = %v, want required-field message", err)
	}
}

func TestSignUp_Scenario_WritesProfileAndSendsVerification(t *testing.T) {
	f := newFixture(t)
	f.resolveSignedOut()

	var verificationTo string
	f.provider.createAccountFn = func(ctx context.Context, email, password string) (Identity, error) {
		return &fakeIdentity{uid: "uid-ann", email: email}, nil
	}
	f.provider.sendVerificationFn = func(ctx context.Context, identity Identity) error {
		verificationTo = identity.Email()
		return nil
	}

	if err := f.adapter.SignUp(context.Background(), validSignUpInput()); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	record := f.docs.records[model.ProfileCollection+"/uid-ann"]
	if record == nil {
		t.Fatal("expected profile record to be written")
	}
	want := map[string]any{
		"email":         "a@b.com",
		"firstName":     "Ann",
		"lastName":      "Lee",
		"phone":         "123",
		"emailVerified": false,
	}
	for k, v := range want {
		if record[k] != v {
			t.Errorf("record[%q] = %v, want %v", k, record[k], v)
		}
	}
	if _, ok := record["provider"]; ok {
		t.Error("password sign-up must not set provider")
	}
	if verificationTo != "a@b.com" {
		t.Errorf("verification sent to %q, want a@b.com", verificationTo)
	}

	snap := f.adapter.Snapshot()
	if snap.User == nil || snap.User.Email != "a@b.com" {
		t.Errorf("user = %+v, want email a@b.com", snap.User)
	}
}

func TestSignUp_EmailInUse_NoProfileWrite(t *testing.T) {
	f := newFixture(t)
	f.provider.createAccountFn = func(ctx context.Context, email, password string) (Identity, error) {
		return nil, model.NewEmailInUseError("EMAIL_EXISTS", nil)
	}

	err := f.adapter.SignUp(context.Background(), validSignUpInput())
	if !model.HasCode(err, model.ErrCodeEmailInUse) {
		t.Fatalf("SignUp() error = %v, want EMAIL_IN_USE", err)
	}
	if f.docs.writeCount() != 0 {
		t.Errorf("document writes = %d, want 0", f.docs.writeCount())
	}
}

func TestSignUp_ProfileStoreFailure_NetworkError(t *testing.T) {
	f := newFixture(t)
	f.docs.writeErr = errors.New("connection reset")
	f.provider.createAccountFn = func(ctx context.Context, email, password string) (Identity, error) {
		return &fakeIdentity{uid: "uid-ann", email: email}, nil
	}

	err := f.adapter.SignUp(context.Background(), validSignUpInput())
	if !model.HasCode(err, model.ErrCodeNetwork) {
		t.Fatalf("SignUp() error = %v, want NETWORK_ERROR", err)
	}
}

func TestSignUp_SanitizesProfileFields(t *testing.T) {
	provider := &mockProvider{}
	docs := newMockDocStore()
	a := NewAdapter(provider, docs, newMemoryTokenStore(), Options{Sanitizer: stripTags{}})
	defer a.Close()

	provider.createAccountFn = func(ctx context.Context, email, password string) (Identity, error) {
		return &fakeIdentity{uid: "uid-1", email: email}, nil
	}

	in := validSignUpInput()
	in.FirstName = "<b>Ann</b>"
	if err := a.SignUp(context.Background(), in); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if got := docs.records[model.ProfileCollection+"/uid-1"]["firstName"]; got != "Ann" {
		t.Errorf("firstName = %v, want Ann", got)
	}
}

func TestSignOut_ClearsSessionAndToken(t *testing.T) {
	f := newFixture(t)
	f.provider.signIn(context.Background(), &fakeIdentity{uid: "uid-1", email: "a@b.com"})

	if err := f.adapter.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}

	if f.adapter.Snapshot().User != nil {
		t.Error("expected user to be absent")
	}
	if _, ok := f.persistedToken(); ok {
		t.Error("expected persisted token to be removed")
	}
}

func TestSignOut_ProviderFailure_StillClearsLocally(t *testing.T) {
	f := newFixture(t)
	f.provider.signIn(context.Background(), &fakeIdentity{uid: "uid-1", email: "a@b.com"})
	f.provider.signOutFn = func(ctx context.Context) error {
		return errors.New("network unreachable")
	}

	err := f.adapter.SignOut(context.Background())
	if !model.HasCode(err, model.ErrCodeNetwork) {
		t.Fatalf("SignOut() error = %v, want NETWORK_ERROR", err)
	}
	snap := f.adapter.Snapshot()
	if snap.User != nil || snap.State != StateSignedOut {
		t.Errorf("expected signed-out snapshot, got %+v", snap)
	}
	if _, ok := f.persistedToken(); ok {
		t.Error("expected persisted token to be removed")
	}
	if _, ok := f.adapter.Token(); ok {
		t.Error("expected in-memory token to be cleared")
	}
}

func TestSendEmailVerification_NoSession(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.SendEmailVerification(context.Background())
	if !model.HasCode(err, model.ErrCodeNoActiveSession) {
		t.Fatalf("SendEmailVerification() error = %v, want NO_ACTIVE_SESSION", err)
	}
	if f.provider.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.callCount())
	}
}

func TestSendEmailVerification_SendsToCurrentIdentity(t *testing.T) {
	f := newFixture(t)
	f.provider.signIn(context.Background(), &fakeIdentity{uid: "uid-1", email: "a@b.com"})

	var sentTo string
	f.provider.sendVerificationFn = func(ctx context.Context, identity Identity) error {
		sentTo = identity.Email()
		return nil
	}

	if err := f.adapter.SendEmailVerification(context.Background()); err != nil {
		t.Fatalf("SendEmailVerification() error = %v", err)
	}
	if sentTo != "a@b.com" {
		t.Errorf("sent to %q, want a@b.com", sentTo)
	}
}

func TestReloadUser_NoSession(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.ReloadUser(context.Background())
	if !model.HasCode(err, model.ErrCodeNoActiveSession) {
		t.Fatalf("ReloadUser() error = %v, want NO_ACTIVE_SESSION", err)
	}
}

func TestReloadUser_UpdatesEmailVerifiedAndRefreshesToken(t *testing.T) {
	f := newFixture(t)
	id := &fakeIdentity{
		uid:   "uid-1",
		email: "a@b.com",
		reloadFn: func(id *fakeIdentity) error {
			id.mu.Lock()
			id.verified = true
			id.mu.Unlock()
			return nil
		},
	}
	f.provider.signIn(context.Background(), id)
	before, _ := f.persistedToken()

	if err := f.adapter.ReloadUser(context.Background()); err != nil {
		t.Fatalf("ReloadUser() error = %v", err)
	}

	if !f.adapter.Snapshot().User.EmailVerified {
		t.Error("expected emailVerified to flip to true")
	}
	after, _ := f.persistedToken()
	if after == before {
		t.Errorf("expected refreshed token, still %q", after)
	}
	if id.refreshes != 1 {
		t.Errorf("forced refreshes = %d, want 1", id.refreshes)
	}
}

func TestResetPassword_DoesNotRevealRegistration(t *testing.T) {
	f := newFixture(t)
	f.provider.sendPasswordResetFn = func(ctx context.Context, email string) error {
		if email == "unregistered@x.com" {
			return model.NewInvalidCredentialsError("EMAIL_NOT_FOUND", nil)
		}
		return nil
	}

	errUnknown := f.adapter.ResetPassword(context.Background(), "unregistered@x.com")
	errKnown := f.adapter.ResetPassword(context.Background(), "a@b.com")

	if errUnknown != nil || errKnown != nil {
		t.Fatalf("ResetPassword() errors = (%v, %v), want (nil, nil)", errUnknown, errKnown)
	}
}

func TestResetPassword_BlankEmail(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.ResetPassword(context.Background(), "")
	if !model.HasCode(err, model.ErrCodeValidation) {
		t.Fatalf("ResetPassword() error = %v, want VALIDATION_ERROR", err)
	}
	if f.provider.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.callCount())
	}
}

func TestResetPassword_NetworkError(t *testing.T) {
	f := newFixture(t)
	f.provider.sendPasswordResetFn = func(ctx context.Context, email string) error {
		return errors.New("connection refused")
	}

	err := f.adapter.ResetPassword(context.Background(), "a@b.com")
	if !model.HasCode(err, model.ErrCodeNetwork) {
		t.Fatalf("ResetPassword() error = %v, want NETWORK_ERROR", err)
	}
}

func TestSignInWithGoogle_CreatesProfileOnce(t *testing.T) {
	f := newFixture(t)
	f.resolveSignedOut()
	f.provider.federatedSignInFn = func(ctx context.Context, kind string) (Identity, error) {
		if kind != model.ProviderGoogle {
			t.Errorf("kind = %q, want google", kind)
		}
		return &fakeIdentity{uid: "g-1", email: "ann@gmail.com", displayName: "Ann Lee", verified: true}, nil
	}

	ctx := context.Background()
	if err := f.adapter.SignInWithGoogle(ctx); err != nil {
		t.Fatalf("first SignInWithGoogle() error = %v", err)
	}
	if err := f.adapter.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if err := f.adapter.SignInWithGoogle(ctx); err != nil {
		t.Fatalf("second SignInWithGoogle() error = %v", err)
	}

	if f.docs.writeCount() != 1 {
		t.Errorf("document writes = %d, want 1", f.docs.writeCount())
	}
	record := f.docs.records[model.ProfileCollection+"/g-1"]
	if record["provider"] != model.ProviderGoogle {
		t.Errorf("provider = %v, want google", record["provider"])
	}
	if record["firstName"] != "Ann" || record["lastName"] != "Lee" {
		t.Errorf("name fields = (%v, %v), want (Ann, Lee)", record["firstName"], record["lastName"])
	}
	if f.adapter.Snapshot().State != StateSignedIn {
		t.Error("expected signed-in state")
	}
}

func TestSignInWithGoogle_ExistingProfileNotOverwritten(t *testing.T) {
	f := newFixture(t)
	existing := (&model.Profile{Email: "ann@gmail.com", FirstName: "Annie", LastName: "Lee", Phone: "555"}).Fields()
	f.docs.records[model.ProfileCollection+"/g-1"] = existing
	f.provider.federatedSignInFn = func(ctx context.Context, kind string) (Identity, error) {
		return &fakeIdentity{uid: "g-1", email: "ann@gmail.com", displayName: "Ann Lee"}, nil
	}

	if err := f.adapter.SignInWithGoogle(context.Background()); err != nil {
		t.Fatalf("SignInWithGoogle() error = %v", err)
	}
	if f.docs.writeCount() != 0 {
		t.Errorf("document writes = %d, want 0", f.docs.writeCount())
	}
	if f.docs.records[model.ProfileCollection+"/g-1"]["phone"] != "555" {
		t.Error("existing phone must be preserved")
	}
}

func TestSignInWithGoogle_PopupClosed(t *testing.T) {
	f := newFixture(t)
	f.resolveSignedOut()
	f.provider.federatedSignInFn = func(ctx context.Context, kind string) (Identity, error) {
		return nil, model.NewPopupClosedError("", nil)
	}

	err := f.adapter.SignInWithGoogle(context.Background())
	if !model.HasCode(err, model.ErrCodePopupClosed) {
		t.Fatalf("SignInWithGoogle() error = %v, want POPUP_CLOSED", err)
	}
	if f.docs.writeCount() != 0 {
		t.Error("no profile should be written when consent is abandoned")
	}
	if f.adapter.Snapshot().State != StateSignedOut {
		t.Error("expected to stay signed out")
	}
}

func TestOperations_RecordMetrics(t *testing.T) {
	f := newFixture(t)

	_ = f.adapter.ResetPassword(context.Background(), "")
	_ = f.adapter.ReloadUser(context.Background())

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	want := []string{"ResetPassword:validation_error", "ReloadUser:no_active_session"}
	if len(f.metrics.operations) != len(want) {
		t.Fatalf("operations = %v, want %v", f.metrics.operations, want)
	}
	for i := range want {
		if f.metrics.operations[i] != want[i] {
			t.Errorf("operations[%d] = %q, want %q", i, f.metrics.operations[i], want[i])
		}
	}
}

type stripTags struct{}

func (stripTags) SanitizeText(s string) string {
	s = strings.ReplaceAll(s, "<b>", "")
	return strings.ReplaceAll(s, "</b>", "")
}
