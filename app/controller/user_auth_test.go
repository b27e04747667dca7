package controller_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/controller"
	"github.com/vibast-solutions/ms-go-freeflow/app/middleware"
	"github.com/vibast-solutions/ms-go-freeflow/app/pricing"
	"github.com/vibast-solutions/ms-go-freeflow/app/repository"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"
	"github.com/vibast-solutions/ms-go-freeflow/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	findByCanonicalEmailQuery = `(?s)SELECT id, email, canonical_email, password_hash, last_login, created_at, updated_at\s+FROM users WHERE canonical_email = \?`
	findByIDQuery             = `(?s)SELECT id, email, canonical_email, password_hash, last_login, created_at, updated_at\s+FROM users WHERE id = \?`
	findRefreshTokenForUpdate = `(?s)SELECT id, user_id, token, expires_at, created_at\s+FROM refresh_tokens WHERE token = \? FOR UPDATE`
	insertUserQuery           = `(?s)INSERT INTO users \(email, canonical_email, password_hash, last_login, created_at, updated_at\)\s+VALUES \(\?, \?, \?, \?, \?, \?\)`
	updateLastLoginQuery      = `(?s)UPDATE users SET last_login = \?, updated_at = \? WHERE id = \?`
	insertRefreshTokenQuery   = `(?s)INSERT INTO refresh_tokens \(user_id, token, expires_at, created_at\)\s+VALUES \(\?, \?, \?, \?\)`
)

var userColumns = []string{
	"id",
	"email",
	"canonical_email",
	"password_hash",
	"last_login",
	"created_at",
	"updated_at",
}

var refreshTokenColumns = []string{
	"id",
	"user_id",
	"token",
	"expires_at",
	"created_at",
}

type controllers struct {
	userAuth *controller.UserAuthController
	apiKeys  *controller.APIKeyController
	shifts   *controller.ShiftController
	usage    *controller.UsageController
	authSvc  service.UserAuthService
}

type stubQuotes struct {
	quote *pricing.Quote
	err   error
}

func (s *stubQuotes) Pair(_ context.Context, _, _ string) (*pricing.Quote, error) {
	return s.quote, s.err
}

func syncRunner(task func()) {
	task()
}

func testConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			Secret:          "test-secret",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
		Password: config.PasswordConfig{
			Policy: config.PasswordPolicy{MinLength: 8},
		},
		Conversion: config.ConversionConfig{
			EstimateMultiplier: 1.5,
		},
		APIKeys: config.APIKeyConfig{
			FreeTierCalls: 10,
		},
	}
}

func newControllersWithMock(t *testing.T, quotes service.QuoteProvider) (*controllers, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	if quotes == nil {
		quotes = &stubQuotes{quote: &pricing.Quote{Rate: 0.05}}
	}

	cfg := testConfig()
	authSvc := service.NewUserAuthService(
		db,
		repository.NewUserRepository(db),
		repository.NewRefreshTokenRepository(db),
		cfg,
		service.WithAsyncRunner(syncRunner),
	)
	apiKeySvc := service.NewAPIKeyService(repository.NewAPIKeyRepository(db), cfg)
	shiftSvc := service.NewShiftService(repository.NewShiftRepository(db), quotes, cfg)
	usageSvc := service.NewUsageService(
		db,
		repository.NewUsageLogRepository(db),
		repository.NewAPIKeyRepository(db),
		cfg,
		service.WithUsageAsyncRunner(syncRunner),
	)

	return &controllers{
		userAuth: controller.NewUserAuthController(authSvc),
		apiKeys:  controller.NewAPIKeyController(apiKeySvc),
		shifts:   controller.NewShiftController(shiftSvc, apiKeySvc, authSvc),
		usage:    controller.NewUsageController(usageSvc, apiKeySvc),
		authSvc:  authSvc,
	}, mock, func() { _ = db.Close() }
}

func newJSONRequest(t *testing.T, method, path string, body any) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req, httptest.NewRecorder()
}

func authenticatedContext(req *http.Request, rec *httptest.ResponseRecorder, userID uint64) echo.Context {
	ctx := echo.New().NewContext(req, rec)
	ctx.Set(middleware.ContextKeyUserID, userID)
	return ctx
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response json: %v", err)
	}
	return body
}

func TestRegister_Success(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	email := "Test.User+tag@gmail.com"
	canonical := service.CanonicalizeEmail(email)

	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(canonical).
		WillReturnRows(sqlmock.NewRows(userColumns))
	mock.ExpectExec(insertUserQuery).
		WithArgs(email, canonical, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/register", map[string]string{
		"email":    email,
		"password": "password123",
	})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Register(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["email"] != email {
		t.Fatalf("expected email %q, got %v", email, body["email"])
	}
	if body["user_id"] != float64(1) {
		t.Fatalf("expected user_id 1, got %v", body["user_id"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegister_WeakPassword(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	email := "user@example.com"
	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(service.CanonicalizeEmail(email)).
		WillReturnRows(sqlmock.NewRows(userColumns))

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/register", map[string]string{
		"email":    email,
		"password": "short",
	})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Register(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("expected password error, got %s", rec.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegister_DuplicateUser(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	email := "user@example.com"
	now := time.Now()
	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(service.CanonicalizeEmail(email)).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(
			1, email, service.CanonicalizeEmail(email), "hash", sql.NullTime{}, now, now,
		))

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/register", map[string]string{
		"email":    email,
		"password": "password123",
	})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Register(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}
}

func TestRegister_InvalidBody(t *testing.T) {
	c, _, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader("{"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Register(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestRegister_MissingFields(t *testing.T) {
	c, _, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/register", map[string]string{"email": "user@example.com"})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Register(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "email and password are required") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestLogin_Success(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	email := "user@example.com"
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	now := time.Now()

	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(service.CanonicalizeEmail(email)).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(
			4, email, service.CanonicalizeEmail(email), string(hash), sql.NullTime{}, now, now,
		))
	mock.ExpectExec(updateLastLoginQuery).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), uint64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertRefreshTokenQuery).
		WithArgs(uint64(4), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": "password123",
	})
	ctx := echo.New().NewContext(req, rec)

	if err = c.userAuth.Login(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	token, _ := body["access_token"].(string)
	claims, err := c.authSvc.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("expected valid access token, got %v", err)
	}
	if claims.UserID != 4 {
		t.Fatalf("expected user id 4, got %d", claims.UserID)
	}
	if body["refresh_token"] == "" {
		t.Fatalf("expected refresh token")
	}

	if err = mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	email := "user@example.com"
	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(service.CanonicalizeEmail(email)).
		WillReturnRows(sqlmock.NewRows(userColumns))

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": "bad-password",
	})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Login(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLogin_InvalidBodyMissingFields(t *testing.T) {
	c, _, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/login", map[string]string{"email": ""})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Login(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestRefreshToken_InvalidToken(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(findRefreshTokenForUpdate).
		WithArgs("missing-token").
		WillReturnRows(sqlmock.NewRows(refreshTokenColumns))
	mock.ExpectRollback()

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/refresh-token", map[string]string{
		"refresh_token": "missing-token",
	})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.RefreshToken(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid refresh token") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestLogout_MissingRefreshToken(t *testing.T) {
	c, _, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/logout", map[string]string{})
	ctx := authenticatedContext(req, rec, 1)

	if err := c.userAuth.Logout(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestLogout_MissingUserID(t *testing.T) {
	c, _, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	req, rec := newJSONRequest(t, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": "token"})
	ctx := echo.New().NewContext(req, rec)

	if err := c.userAuth.Logout(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
}

func TestMe_UserNotFound(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	mock.ExpectQuery(findByIDQuery).
		WithArgs(uint64(9)).
		WillReturnRows(sqlmock.NewRows(userColumns))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	ctx := authenticatedContext(req, rec, 9)

	if err := c.userAuth.Me(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestMe_Success(t *testing.T) {
	c, mock, cleanup := newControllersWithMock(t, nil)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(findByIDQuery).
		WithArgs(uint64(9)).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(
			9, "me@example.com", "me@example.com", "hash", sql.NullTime{}, now, now,
		))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	ctx := authenticatedContext(req, rec, 9)

	if err := c.userAuth.Me(ctx); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["email"] != "me@example.com" {
		t.Fatalf("unexpected body: %v", body)
	}
}
