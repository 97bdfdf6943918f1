package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/api/http/handlers"
	"github.com/spec-kit/ticket-automation/internal/auth"
	"github.com/spec-kit/ticket-automation/internal/config"
	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/observability"
	"github.com/spec-kit/ticket-automation/internal/service"
)

const testSecret = "s3cret"

type stubRunner struct {
	got     []service.BatchRequest
	summary service.BatchSummary
	err     error
}

func (r *stubRunner) Run(_ context.Context, req service.BatchRequest) (service.BatchSummary, error) {
	r.got = append(r.got, req)
	return r.summary, r.err
}

type stubQueue struct {
	mu      sync.Mutex
	batches [][]domain.MailNotification
	err     error
}

func (q *stubQueue) Enqueue(_ context.Context, batch []domain.MailNotification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, batch)
	return q.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testServer struct {
	app    *fiber.App
	runner *stubRunner
	queue  *stubQueue
}

func newTestServer(automation config.AutomationConfig, redisErr error) *testServer {
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	runner := &stubRunner{}
	queue := &stubQueue{}

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, 0)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("ticket-automation", "test", stubPinger{}, stubPinger{err: redisErr}),
		Automation:     handlers.NewAutomationHandler(runner),
		InboundEmail:   handlers.NewInboundEmailHandler(queue, logger),
		AutomationAuth: auth.NewAutomationMiddleware(automation, auth.NewTokenManager(automation.Secret, 5), logger),
		Metrics:        metrics,
	})
	return &testServer{app: app, runner: runner, queue: queue}
}

func configured() config.AutomationConfig {
	return config.AutomationConfig{Secret: testSecret, DefaultLimit: 200, MaxLimit: 500, AutoCloseDays: 5}
}

func decodeBody(t *testing.T, resp *nethttp.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func runRequest(body string) *nethttp.Request {
	req := httptest.NewRequest(nethttp.MethodPost, "/api/automation/run", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(auth.HeaderAutomationSecret, testSecret)
	return req
}

func TestAutomationRun_Success(t *testing.T) {
	srv := newTestServer(configured(), nil)
	srv.runner.summary = service.BatchSummary{Limit: 50, SLA: &service.SLAScanResult{Scanned: 3, FirstResponseBreaches: 1}}

	resp, err := srv.app.Test(runRequest(`{"limit": 50, "run_directory_sync": true}`))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 50, data["limit"])
	assert.EqualValues(t, 1, data["sla"].(map[string]any)["firstResponseBreaches"])

	require.Len(t, srv.runner.got, 1)
	require.NotNil(t, srv.runner.got[0].Limit)
	assert.Equal(t, 50, *srv.runner.got[0].Limit)
	assert.True(t, srv.runner.got[0].RunDirectorySync)
}

func TestAutomationRun_EmptyBodyUsesDefaults(t *testing.T) {
	srv := newTestServer(configured(), nil)

	resp, err := srv.app.Test(runRequest(""))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	require.Len(t, srv.runner.got, 1)
	assert.Nil(t, srv.runner.got[0].Limit)
}

func TestAutomationRun_RejectsMalformedBody(t *testing.T) {
	for _, body := range []string{`{"limit": "many"}`, `{"limit": 2.5}`, `not json`} {
		t.Run(body, func(t *testing.T) {
			srv := newTestServer(configured(), nil)
			resp, err := srv.app.Test(runRequest(body))
			require.NoError(t, err)
			assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)

			decoded := decodeBody(t, resp)
			assert.Equal(t, false, decoded["success"])
			assert.Equal(t, "VALIDATION_FAILED", decoded["code"])
			assert.Empty(t, srv.runner.got)
		})
	}
}

func TestAutomationRun_Credentials(t *testing.T) {
	srv := newTestServer(configured(), nil)

	req := runRequest("{}")
	req.Header.Del(auth.HeaderAutomationSecret)
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, resp)["code"])

	req = runRequest("{}")
	req.Header.Set(auth.HeaderAutomationSecret, "wrong")
	resp, err = srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	token, _, err := auth.NewTokenManager(testSecret, 5).GenerateToken("scheduler")
	require.NoError(t, err)
	req = runRequest("{}")
	req.Header.Del(auth.HeaderAutomationSecret)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err = srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Len(t, srv.runner.got, 1)
}

func TestAutomationRun_MissingSecretConfiguration(t *testing.T) {
	srv := newTestServer(config.AutomationConfig{DefaultLimit: 200, MaxLimit: 500}, nil)

	resp, err := srv.app.Test(runRequest("{}"))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "CONFIGURATION_ERROR", decodeBody(t, resp)["code"])
	assert.Empty(t, srv.runner.got)
}

func TestAutomationRun_ComponentFailure(t *testing.T) {
	srv := newTestServer(configured(), nil)
	srv.runner.summary = service.BatchSummary{
		Limit:             200,
		SLA:               &service.SLAScanResult{Scanned: 2},
		AutoCloseResolved: &service.AutoCloseResult{Closed: 1},
		FailedComponents:  []string{"escalation_seeder"},
	}
	srv.runner.err = &service.BatchError{Failures: []*service.ComponentError{
		{Component: "escalation_seeder", Err: errors.New("db down")},
	}}

	resp, err := srv.app.Test(runRequest("{}"))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusInternalServerError, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "AUTOMATION_FAILED", body["code"])
	assert.NotEmpty(t, body["error"])
	details := body["details"].(map[string]any)
	assert.Equal(t, []any{"escalation_seeder"}, details["components"])
	summary := details["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["sla"].(map[string]any)["scanned"])
	assert.EqualValues(t, 1, summary["autoCloseResolved"].(map[string]any)["closed"])
	assert.Equal(t, []any{"escalation_seeder"}, summary["failedComponents"])
}

func TestInboundEmail_ValidationEcho(t *testing.T) {
	srv := newTestServer(configured(), nil)
	for _, method := range []string{nethttp.MethodGet, nethttp.MethodPost} {
		req := httptest.NewRequest(method, "/api/webhooks/inbound-email?validationToken=abc%20123", nil)
		resp, err := srv.app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, nethttp.StatusOK, resp.StatusCode, method)
		assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "text/plain")
		raw, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "abc 123", string(raw))
	}
	assert.Empty(t, srv.queue.batches)
}

func TestInboundEmail_QueuesNotifications(t *testing.T) {
	srv := newTestServer(configured(), nil)
	payload := `{"value":[
		{"subscriptionId":"s1","clientState":"cs","changeType":"created","resource":"Users/u/Messages/AAA","resourceData":{"id":"AAA"}},
		{"subscriptionId":"s1","clientState":"cs","changeType":"created","resource":"Users/u/Messages/BBB"}
	]}`
	req := httptest.NewRequest(nethttp.MethodPost, "/api/webhooks/inbound-email", strings.NewReader(payload))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusAccepted, resp.StatusCode)

	require.Len(t, srv.queue.batches, 1)
	batch := srv.queue.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "AAA", batch[0].MessageID)
	assert.Equal(t, "cs", batch[0].ClientState)
	assert.Equal(t, "BBB", batch[1].MessageID)
}

func TestInboundEmail_AlwaysAccepts(t *testing.T) {
	srv := newTestServer(configured(), nil)
	srv.queue.err = errors.New("redis down")

	for _, body := range []string{"garbage", `{"value":[{"resourceData":{"id":"X"}}]}`} {
		req := httptest.NewRequest(nethttp.MethodPost, "/api/webhooks/inbound-email", strings.NewReader(body))
		resp, err := srv.app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, nethttp.StatusAccepted, resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(configured(), nil)
	resp, err := srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/health/live", nil))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp, err = srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/health/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	down := newTestServer(configured(), errors.New("connection refused"))
	resp, err = down.app.Test(httptest.NewRequest(nethttp.MethodGet, "/health/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "connection refused", body["details"].(map[string]any)["redis"])
}

func TestMetricsAndUnknownRoute(t *testing.T) {
	srv := newTestServer(configured(), nil)

	resp, err := srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, resp)["code"])

	resp, err = srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "http_requests_total")
}
