package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/ticket-automation/internal/config"
	apperrors "github.com/spec-kit/ticket-automation/pkg/util/errorutil"
)

func TestTokenManager(t *testing.T) {
	tm := NewTokenManager("s3cret", 5)
	token, expiresAt, err := tm.GenerateToken("scheduler")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), expiresAt, 5*time.Second)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", claims.Subject)

	_, err = NewTokenManager("other", 5).ParseToken(token)
	assert.Error(t, err)

	expired := NewTokenManager("s3cret", 5)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.GenerateToken("scheduler")
	require.NoError(t, err)
	_, err = tm.ParseToken(old)
	assert.Error(t, err)
}

func TestTokenManager_RejectsWrongScope(t *testing.T) {
	claims := &Claims{
		Scope: "tickets:read",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = NewTokenManager("s3cret", 5).ParseToken(token)
	assert.Error(t, err)
}

func TestSecretEqual(t *testing.T) {
	assert.True(t, SecretEqual("abc", "abc"))
	assert.False(t, SecretEqual("abc", "abd"))
	assert.False(t, SecretEqual("", ""))
}

func newTestApp(cfg config.AutomationConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.Status(de.HTTPStatus).JSON(de.Body())
		},
	})
	mw := NewAutomationMiddleware(cfg, NewTokenManager(cfg.Secret, 5), zap.NewNop())
	app.Post("/run", mw.Handle, func(c *fiber.Ctx) error {
		p, _ := PrincipalFromContext(c)
		return c.SendString(p.Method)
	})
	return app
}

func TestAutomationMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := config.AutomationConfig{Secret: "s3cret", SecretBcrypt: string(hash)}
	token, _, err := NewTokenManager("s3cret", 5).GenerateToken("cron")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{name: "secret header", header: HeaderAutomationSecret, value: "s3cret", status: http.StatusOK},
		{name: "bearer secret", header: fiber.HeaderAuthorization, value: "Bearer s3cret", status: http.StatusOK},
		{name: "bearer bcrypt", header: fiber.HeaderAuthorization, value: "Bearer hashed-secret", status: http.StatusOK},
		{name: "bearer jwt", header: fiber.HeaderAuthorization, value: "Bearer " + token, status: http.StatusOK},
		{name: "wrong secret", header: HeaderAutomationSecret, value: "nope", status: http.StatusUnauthorized},
		{name: "basic scheme", header: fiber.HeaderAuthorization, value: "Basic s3cret", status: http.StatusUnauthorized},
		{name: "missing", status: http.StatusUnauthorized},
	}

	app := newTestApp(cfg)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/run", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAutomationMiddleware_MissingConfiguration(t *testing.T) {
	app := newTestApp(config.AutomationConfig{})
	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	req.Header.Set(HeaderAutomationSecret, "anything")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
