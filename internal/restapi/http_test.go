package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/app"
	"bustracker.urbantransit.org/internal/appconf"
	"bustracker.urbantransit.org/internal/eta"
	"bustracker.urbantransit.org/internal/metrics"
	"bustracker.urbantransit.org/internal/models"
)

const testAdminPassword = "admin123"

// createTestApi creates a RestAPI over an in-memory store with the admin
// credential initialised.
func createTestApi(t *testing.T, opts ...func(*appconf.Config)) *RestAPI {
	t.Helper()
	ctx := context.Background()

	cfg := appconf.Default()
	cfg.Env = appconf.EnvFlagToEnvironment("test")
	cfg.RateLimit = 1000
	cfg.AdminTokenSecret = "test-secret"
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := busdb.Open(ctx, busdb.Config{Test: true, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auth, err := app.NewAdminAuth(store, cfg.AdminTokenSecret, cfg.AdminTokenTTL)
	require.NoError(t, err)
	_, err = auth.EnsureAdminCredential(ctx, testAdminPassword)
	require.NoError(t, err)

	collector := metrics.NewCollector()
	application := &app.Application{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		ETA:     eta.NewEngine(store, eta.WithObserver(collector), eta.WithLogger(logger)),
		Metrics: collector,
		Auth:    auth,
	}

	api := NewRestAPI(application)
	t.Cleanup(api.Close)
	return api
}

func newTestServer(t *testing.T, api *RestAPI) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return server
}

// doRequest sends body (JSON encoded unless it is already a string) and
// returns the response with its body read.
func doRequest(t *testing.T, server *httptest.Server, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func login(t *testing.T, server *httptest.Server) string {
	t.Helper()
	resp, body := doRequest(t, server, "POST", "/api/admin/login", models.LoginRequest{Password: testAdminPassword}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode[models.LoginResponse](t, body)
	require.True(t, out.Success)
	require.NotEmpty(t, out.Token)
	return out.Token
}

type fieldErrorsBody struct {
	FieldErrors map[string][]string `json:"fieldErrors"`
}

func delhiRoute() map[string]any {
	return map[string]any{
		"route_number":   "101",
		"route_name":     "City Center Express",
		"starting_point": "Connaught Place",
		"ending_point":   "Rohini",
		"stops":          []string{"Connaught Place", "Rohini"},
		"coordinates": []models.Coordinate{
			{Latitude: 28.6139, Longitude: 77.2090},
			{Latitude: 28.7041, Longitude: 77.1025},
		},
	}
}
