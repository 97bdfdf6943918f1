package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/config"
	apperrors "github.com/spec-kit/ticket-automation/pkg/util/errorutil"
)

const (
	principalKey = "automation_principal"

	// HeaderAutomationSecret carries the raw shared secret.
	HeaderAutomationSecret = "X-Automation-Secret"
)

// Principal describes how the caller authenticated.
type Principal struct {
	Method  string
	Subject string
}

// AutomationMiddleware guards the batch entry point with the shared
// automation secret.
type AutomationMiddleware struct {
	cfg    config.AutomationConfig
	tokens *TokenManager
	logger *zap.Logger
}

// NewAutomationMiddleware constructs middleware.
func NewAutomationMiddleware(cfg config.AutomationConfig, tokens *TokenManager, logger *zap.Logger) *AutomationMiddleware {
	return &AutomationMiddleware{cfg: cfg, tokens: tokens, logger: logger.Named("auth")}
}

// Handle rejects the request with a configuration error when no secret is
// configured, and with 401 when the presented credential does not match.
func (m *AutomationMiddleware) Handle(c *fiber.Ctx) error {
	if err := m.cfg.Validate(); err != nil {
		m.logger.Error("automation endpoint called without configured secret")
		return apperrors.NewConfigurationError("automation secret is not configured", err)
	}

	presented := strings.TrimSpace(c.Get(HeaderAutomationSecret))
	if presented == "" {
		authHeader := c.Get(fiber.HeaderAuthorization)
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			presented = strings.TrimSpace(parts[1])
		}
	}
	if presented == "" {
		return apperrors.NewUnauthorized("missing automation credentials")
	}

	principal, ok := m.authenticate(presented)
	if !ok {
		m.logger.Warn("rejected automation credentials", zap.String("ip", c.IP()))
		return apperrors.NewUnauthorized("invalid automation credentials")
	}
	c.Locals(principalKey, principal)
	return c.Next()
}

func (m *AutomationMiddleware) authenticate(presented string) (*Principal, bool) {
	if SecretEqual(m.cfg.Secret, presented) {
		return &Principal{Method: "secret"}, true
	}
	if m.cfg.SecretBcrypt != "" && CompareSecret(m.cfg.SecretBcrypt, presented) == nil {
		return &Principal{Method: "bcrypt"}, true
	}
	if m.tokens != nil && strings.Count(presented, ".") == 2 {
		if claims, err := m.tokens.ParseToken(presented); err == nil {
			return &Principal{Method: "jwt", Subject: claims.Subject}, true
		}
	}
	return nil, false
}

// PrincipalFromContext retrieves the authenticated caller.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}
