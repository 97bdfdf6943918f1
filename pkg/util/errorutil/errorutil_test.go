package errorutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestToDomainError(t *testing.T) {
	t.Run("keeps domain errors", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", NewUnauthorized("bad credentials"))
		de := ToDomainError(err)
		assert.Equal(t, "UNAUTHORIZED", de.Code)
		assert.Equal(t, http.StatusUnauthorized, de.HTTPStatus)
	})

	t.Run("maps missing rows to not found", func(t *testing.T) {
		de := ToDomainError(fmt.Errorf("load ticket: %w", pgx.ErrNoRows))
		assert.Equal(t, "NOT_FOUND", de.Code)
		assert.Equal(t, http.StatusNotFound, de.HTTPStatus)
	})

	t.Run("hides unknown errors", func(t *testing.T) {
		de := ToDomainError(errors.New("connection reset"))
		assert.Equal(t, "INTERNAL_ERROR", de.Code)
		assert.Equal(t, "internal server error", de.Message)
	})

	assert.Nil(t, ToDomainError(nil))
}

func TestBody(t *testing.T) {
	de := ToDomainError(NewAutomationFailed(errors.New("boom"), map[string]any{"sla": 1}))
	body := de.Body()
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "automation run failed", body["error"])
	assert.Equal(t, "AUTOMATION_FAILED", body["code"])
	assert.Equal(t, map[string]any{"sla": 1}, body["details"])

	plain := ToDomainError(NewConfigurationError("automation secret is not configured", nil)).Body()
	assert.NotContains(t, plain, "details")
	assert.Equal(t, "CONFIGURATION_ERROR", plain["code"])
}
