package service_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/repository"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"
	"github.com/vibast-solutions/ms-go-freeflow/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	userColumns = []string{
		"id",
		"email",
		"canonical_email",
		"password_hash",
		"last_login",
		"created_at",
		"updated_at",
	}
	refreshTokenColumns = []string{
		"id",
		"user_id",
		"token",
		"expires_at",
		"created_at",
	}
)

const (
	findByCanonicalEmailQuery = `(?s)SELECT id, email, canonical_email, password_hash, last_login, created_at, updated_at\s+FROM users WHERE canonical_email = \?`
	findByIDQuery             = `(?s)SELECT id, email, canonical_email, password_hash, last_login, created_at, updated_at\s+FROM users WHERE id = \?`
	findRefreshTokenForUpdate = `(?s)SELECT id, user_id, token, expires_at, created_at\s+FROM refresh_tokens WHERE token = \? FOR UPDATE`
	insertUserQuery           = `(?s)INSERT INTO users \(email, canonical_email, password_hash, last_login, created_at, updated_at\)\s+VALUES \(\?, \?, \?, \?, \?, \?\)`
	updateLastLoginQuery      = `(?s)UPDATE users SET last_login = \?, updated_at = \? WHERE id = \?`
	insertRefreshTokenQuery   = `(?s)INSERT INTO refresh_tokens \(user_id, token, expires_at, created_at\)\s+VALUES \(\?, \?, \?, \?\)`
	deleteRefreshTokenQuery   = `(?s)DELETE FROM refresh_tokens WHERE token = \? AND user_id = \?`
	deleteExpiredTokensQuery  = `(?s)DELETE FROM refresh_tokens WHERE expires_at < \?`
)

func syncRunner(task func()) {
	task()
}

func newTestConfig(policy config.PasswordPolicy) *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			Secret:          "test-secret",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
		Password: config.PasswordConfig{
			Policy: policy,
		},
		Conversion: config.ConversionConfig{
			EstimateMultiplier: 1.5,
		},
		APIKeys: config.APIKeyConfig{
			FreeTierCalls: 10,
		},
	}
}

func newAuthServiceWithMock(t *testing.T) (service.UserAuthService, sqlmock.Sqlmock, func()) {
	t.Helper()

	return newAuthServiceWithMockAndPolicy(t, config.PasswordPolicy{MinLength: 1})
}

func newAuthServiceWithMockAndPolicy(t *testing.T, policy config.PasswordPolicy) (service.UserAuthService, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	svc := service.NewUserAuthService(
		db,
		repository.NewUserRepository(db),
		repository.NewRefreshTokenRepository(db),
		newTestConfig(policy),
		service.WithAsyncRunner(syncRunner),
	)

	return svc, mock, func() { _ = db.Close() }
}

func userRow(id uint64, email, hash string, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(userColumns).AddRow(
		id,
		email,
		service.CanonicalizeEmail(email),
		hash,
		sql.NullTime{Valid: false},
		createdAt,
		createdAt,
	)
}

func TestAuthService_Register_CreatesUser(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	email := "Test.User+tag@gmail.com"
	canonical := service.CanonicalizeEmail(email)

	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(canonical).
		WillReturnRows(sqlmock.NewRows(userColumns))
	mock.ExpectExec(insertUserQuery).
		WithArgs(email, canonical, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := svc.Register(context.Background(), &types.RegisterRequest{Email: email, Password: "password"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.UserID != 1 {
		t.Fatalf("expected user ID 1, got %d", res.UserID)
	}
	if res.Email != email {
		t.Fatalf("expected email %q, got %q", email, res.Email)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthService_Register_DuplicateEmail(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	email := "user@example.com"
	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(email).
		WillReturnRows(userRow(1, email, "hash", time.Now()))

	_, err := svc.Register(context.Background(), &types.RegisterRequest{Email: email, Password: "password"})
	if !errors.Is(err, service.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthService_Register_WeakPassword(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMockAndPolicy(t, config.PasswordPolicy{MinLength: 8})
	defer cleanup()

	email := "user@example.com"
	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(email).
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := svc.Register(context.Background(), &types.RegisterRequest{Email: email, Password: "short"})
	if err == nil || !errors.Is(err, service.ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthService_Login_ReturnsTokens(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	email := "user@example.com"
	hashed, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)

	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(email).
		WillReturnRows(userRow(1, email, string(hashed), time.Now()))
	mock.ExpectExec(updateLastLoginQuery).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), uint64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertRefreshTokenQuery).
		WithArgs(uint64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := svc.Login(context.Background(), &types.LoginRequest{Email: email, Password: "password"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatalf("expected tokens to be set")
	}
	if res.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("expected default expires_in, got %d", res.ExpiresIn)
	}

	claims, err := svc.ValidateAccessToken(res.AccessToken)
	if err != nil {
		t.Fatalf("expected issued token to validate: %v", err)
	}
	if claims.UserID != 1 || claims.Email != email {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthService_Login_CustomTokenDuration(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	email := "user@example.com"
	hashed, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)

	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(email).
		WillReturnRows(userRow(1, email, string(hashed), time.Now()))
	mock.ExpectExec(updateLastLoginQuery).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertRefreshTokenQuery).
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := svc.Login(context.Background(), &types.LoginRequest{Email: email, Password: "password", TokenDuration: 60})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if res.ExpiresIn != 3600 {
		t.Fatalf("expected expires_in 3600, got %d", res.ExpiresIn)
	}
}

func TestAuthService_Login_WrongPassword(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	email := "user@example.com"
	hashed, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)

	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs(email).
		WillReturnRows(userRow(1, email, string(hashed), time.Now()))

	_, err := svc.Login(context.Background(), &types.LoginRequest{Email: email, Password: "wrong"})
	if !errors.Is(err, service.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthService_Login_UnknownUser(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	mock.ExpectQuery(findByCanonicalEmailQuery).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := svc.Login(context.Background(), &types.LoginRequest{Email: "ghost@example.com", Password: "password"})
	if !errors.Is(err, service.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthService_RefreshToken_RotatesToken(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	oldToken := "old-refresh-token"
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(findRefreshTokenForUpdate).
		WithArgs(oldToken).
		WillReturnRows(sqlmock.NewRows(refreshTokenColumns).AddRow(
			uint64(10),
			uint64(1),
			oldToken,
			now.Add(time.Hour),
			now,
		))
	mock.ExpectQuery(findByIDQuery).
		WithArgs(uint64(1)).
		WillReturnRows(userRow(1, "user@example.com", "hash", now))
	mock.ExpectExec(deleteRefreshTokenQuery).
		WithArgs(oldToken, uint64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertRefreshTokenQuery).
		WithArgs(uint64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	res, err := svc.RefreshToken(context.Background(), &types.RefreshTokenRequest{RefreshToken: oldToken})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if res.RefreshToken == "" || res.RefreshToken == oldToken {
		t.Fatalf("expected a rotated refresh token, got %q", res.RefreshToken)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthService_RefreshToken_Expired(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	token := "expired-token"
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(findRefreshTokenForUpdate).
		WithArgs(token).
		WillReturnRows(sqlmock.NewRows(refreshTokenColumns).AddRow(
			uint64(10),
			uint64(1),
			token,
			now.Add(-time.Minute),
			now.Add(-time.Hour),
		))
	mock.ExpectRollback()

	_, err := svc.RefreshToken(context.Background(), &types.RefreshTokenRequest{RefreshToken: token})
	if !errors.Is(err, service.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthService_RefreshToken_Unknown(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(findRefreshTokenForUpdate).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(refreshTokenColumns))
	mock.ExpectRollback()

	_, err := svc.RefreshToken(context.Background(), &types.RefreshTokenRequest{RefreshToken: "missing"})
	if !errors.Is(err, service.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthService_Logout_DeletesCallerToken(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	mock.ExpectExec(deleteRefreshTokenQuery).
		WithArgs("token", uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.Logout(context.Background(), 7, &types.LogoutRequest{RefreshToken: "token"}); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthService_Me(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	createdAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(findByIDQuery).
		WithArgs(uint64(3)).
		WillReturnRows(userRow(3, "me@example.com", "hash", createdAt))

	res, err := svc.Me(context.Background(), 3)
	if err != nil {
		t.Fatalf("me failed: %v", err)
	}
	if res.UserID != 3 || res.Email != "me@example.com" || !res.CreatedAt.Equal(createdAt) {
		t.Fatalf("unexpected me response: %+v", res)
	}

	mock.ExpectQuery(findByIDQuery).
		WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows(userColumns))
	if _, err := svc.Me(context.Background(), 4); !errors.Is(err, service.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAuthService_ValidateAccessToken_RejectsForeignSignature(t *testing.T) {
	svc, _, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	claims := &service.Claims{
		UserID: 1,
		Email:  "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := svc.ValidateAccessToken(signed); !errors.Is(err, service.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthService_ValidateAccessToken_RejectsExpired(t *testing.T) {
	svc, _, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	claims := &service.Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))

	if _, err := svc.ValidateAccessToken(signed); !errors.Is(err, service.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthService_PurgeExpiredRefreshTokens(t *testing.T) {
	svc, mock, cleanup := newAuthServiceWithMock(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectExec(deleteExpiredTokensQuery).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	deleted, err := svc.PurgeExpiredRefreshTokens(context.Background(), now)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if deleted != 4 {
		t.Fatalf("expected 4 deleted tokens, got %d", deleted)
	}
}

func TestCanonicalizeEmail(t *testing.T) {
	cases := map[string]string{
		"John.Doe+promo@Gmail.com": "johndoe@gmail.com",
		"a.b@googlemail.com":       "ab@googlemail.com",
		" Mixed.Case@Example.COM ": "mixed.case@example.com",
		"no-at-sign":               "no-at-sign",
		"user+tag@example.com":     "user+tag@example.com",
	}
	for input, want := range cases {
		if got := service.CanonicalizeEmail(input); got != want {
			t.Fatalf("CanonicalizeEmail(%q) = %q, want %q", input, got, want)
		}
	}
}
