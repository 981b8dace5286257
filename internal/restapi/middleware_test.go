package restapi

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustracker.urbantransit.org/internal/appconf"
	"bustracker.urbantransit.org/internal/models"
)

func TestRateLimiting(t *testing.T) {
	api := createTestApi(t, func(c *appconf.Config) { c.RateLimit = 3 })
	server := newTestServer(t, api)

	for i := 0; i < 3; i++ {
		resp, _ := doRequest(t, server, "GET", "/api/", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}

	resp, body := doRequest(t, server, "GET", "/api/", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusTooManyRequests, decode[models.ResponseModel](t, body).Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(api.Metrics.RateLimited))
}

func TestRateLimitingIsPerClient(t *testing.T) {
	rl := NewRateLimitMiddleware(1, time.Minute, clientIPResolver{}, nil)
	defer rl.Stop()
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := func(remoteAddr, forwardedFor string) int {
		req := httptest.NewRequest("GET", "/api/", nil)
		req.RemoteAddr = remoteAddr
		if forwardedFor != "" {
			req.Header.Set("X-Forwarded-For", forwardedFor)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, request("203.0.113.1:4000", ""))
	assert.Equal(t, http.StatusTooManyRequests, request("203.0.113.1:4001", ""))
	assert.Equal(t, http.StatusTooManyRequests, request("203.0.113.1:4002", "198.51.100.1"),
		"a forwarded-for header from an untrusted peer must not open a new bucket")
	assert.Equal(t, http.StatusOK, request("203.0.113.2:4000", ""))
}

func TestRateLimitingBehindTrustedProxy(t *testing.T) {
	trusted := newClientIPResolver([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	rl := NewRateLimitMiddleware(1, time.Minute, trusted, nil)
	defer rl.Stop()
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	request := func(forwardedFor string) int {
		req := httptest.NewRequest("GET", "/api/", nil)
		req.RemoteAddr = "10.0.0.1:443"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, request("203.0.113.1"))
	assert.Equal(t, http.StatusOK, request("203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, request("203.0.113.1"))
	// The client can prepend anything; the proxy appends the real peer.
	assert.Equal(t, http.StatusTooManyRequests, request("192.0.2.99, 203.0.113.1"))
	assert.Len(t, rl.limiters, 2)
}

func TestLoginRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	api := createTestApi(t, func(c *appconf.Config) { c.RateLimit = 2 })
	server := newTestServer(t, api)

	statuses := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		data, err := json.Marshal(models.LoginRequest{Password: "wrong"})
		require.NoError(t, err)
		req, err := http.NewRequest("POST", server.URL+"/api/admin/login", bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))

		resp, err := server.Client().Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized}, statuses[:2])
	for i, status := range statuses[2:] {
		assert.Equal(t, http.StatusTooManyRequests, status, "attempt %d", i+3)
	}
	assert.Len(t, api.rateLimiter.limiters, 1)
}

func TestRateLimitingDisabled(t *testing.T) {
	rl := NewRateLimitMiddleware(0, time.Second, clientIPResolver{}, nil)
	defer rl.Stop()
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestEvictIdleLimiters(t *testing.T) {
	rl := NewRateLimitMiddleware(5, time.Second, clientIPResolver{}, nil)
	defer rl.Stop()
	rl.getLimiter("198.51.100.7")

	rl.evictIdle(time.Now())
	assert.Len(t, rl.limiters, 1)

	rl.evictIdle(time.Now().Add(idleLimiterTTL + time.Second))
	assert.Empty(t, rl.limiters)
}

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.10/32"),
	}

	tests := []struct {
		name         string
		trusted      []netip.Prefix
		remoteAddr   string
		forwardedFor []string
		want         string
	}{
		{
			name:       "remote address without proxies",
			remoteAddr: "192.0.2.10:5555",
			want:       "192.0.2.10",
		},
		{
			name:         "forwarded-for ignored when no proxy is trusted",
			remoteAddr:   "192.0.2.10:5555",
			forwardedFor: []string{" 203.0.113.9 , 192.0.2.10"},
			want:         "192.0.2.10",
		},
		{
			name:         "forwarded-for ignored from an untrusted peer",
			trusted:      proxies,
			remoteAddr:   "198.51.100.4:5555",
			forwardedFor: []string{"203.0.113.9"},
			want:         "198.51.100.4",
		},
		{
			name:         "trusted proxy reports the peer it saw",
			trusted:      proxies,
			remoteAddr:   "192.0.2.10:5555",
			forwardedFor: []string{"203.0.113.9"},
			want:         "203.0.113.9",
		},
		{
			name:         "spoofed entries left of the real peer are skipped",
			trusted:      proxies,
			remoteAddr:   "192.0.2.10:5555",
			forwardedFor: []string{"1.2.3.4, 5.6.7.8, 203.0.113.9"},
			want:         "203.0.113.9",
		},
		{
			name:         "chained trusted proxies",
			trusted:      proxies,
			remoteAddr:   "10.1.1.1:5555",
			forwardedFor: []string{"6.6.6.6, 203.0.113.9, 10.2.2.2"},
			want:         "203.0.113.9",
		},
		{
			name:         "header split across lines",
			trusted:      proxies,
			remoteAddr:   "10.1.1.1:5555",
			forwardedFor: []string{"6.6.6.6", "203.0.113.9, 10.2.2.2"},
			want:         "203.0.113.9",
		},
		{
			name:         "every hop trusted",
			trusted:      proxies,
			remoteAddr:   "10.1.1.1:5555",
			forwardedFor: []string{"10.3.3.3, 10.2.2.2"},
			want:         "10.3.3.3",
		},
		{
			name:         "malformed hop stops the walk",
			trusted:      proxies,
			remoteAddr:   "10.1.1.1:5555",
			forwardedFor: []string{"not-an-ip, 10.2.2.2"},
			want:         "10.2.2.2",
		},
		{
			name:       "trusted proxy without header",
			trusted:    proxies,
			remoteAddr: "10.1.1.1:5555",
			want:       "10.1.1.1",
		},
		{
			name:         "ipv4-mapped peer",
			trusted:      proxies,
			remoteAddr:   "[::ffff:10.1.1.1]:5555",
			forwardedFor: []string{"::ffff:203.0.113.9"},
			want:         "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.forwardedFor {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, newClientIPResolver(tt.trusted).clientIP(req))
		})
	}
}

func TestRequestLoggerCarriesRequestContext(t *testing.T) {
	api := createTestApi(t)
	var buf lockedBuffer
	api.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	server := newTestServer(t, api)
	token := login(t, server)

	require.NoError(t, api.Store.Close())
	resp, _ := doRequest(t, server, "GET", "/api/admin/routes", nil, token)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var failure map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["msg"] == "request failed" {
			failure = entry
		}
	}
	require.NotNil(t, failure, buf.String())
	assert.Equal(t, "/api/admin/routes", failure["path"])
	assert.Equal(t, "GET", failure["method"])
	assert.Equal(t, "127.0.0.1", failure["client_ip"])
	assert.NotEmpty(t, failure["error"])
}

// lockedBuffer is a log sink shared between the server and test goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSecurityHeaders(t *testing.T) {
	server := newTestServer(t, createTestApi(t))

	resp, _ := doRequest(t, server, "GET", "/api/", nil, "")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORS(t *testing.T) {
	api := createTestApi(t, func(c *appconf.Config) { c.CORSOrigins = []string{"https://admin.example"} })
	server := newTestServer(t, api)

	t.Run("preflight for admin endpoint", func(t *testing.T) {
		req, err := http.NewRequest("OPTIONS", server.URL+"/api/admin/routes", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "https://admin.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")

		resp, err := server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Less(t, resp.StatusCode, 300)
		assert.Equal(t, "https://admin.example", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("foreign origin gets no grant", func(t *testing.T) {
		req, err := http.NewRequest("GET", server.URL+"/api/", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "https://evil.example")

		resp, err := server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestCompressionMiddleware(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(strings.Repeat(`{"stop": "Rohini"}`, 1000)))
	})
	expected := strings.Repeat(`{"stop": "Rohini"}`, 1000)

	t.Run("compresses response when gzip accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/routes/search", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		recorder := httptest.NewRecorder()

		CompressionMiddleware(testHandler).ServeHTTP(recorder, req)

		assert.Equal(t, "gzip", recorder.Header().Get("Content-Encoding"))
		reader, err := gzip.NewReader(bytes.NewReader(recorder.Body.Bytes()))
		require.NoError(t, err)
		defer func() { _ = reader.Close() }()

		decompressed, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, expected, string(decompressed))
		assert.Less(t, recorder.Body.Len(), len(expected))
	})

	t.Run("does not compress when gzip not accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/routes/search", nil)
		recorder := httptest.NewRecorder()

		CompressionMiddleware(testHandler).ServeHTTP(recorder, req)

		assert.Empty(t, recorder.Header().Get("Content-Encoding"))
		assert.Equal(t, expected, recorder.Body.String())
	})
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	api := createTestApi(t)
	server := newTestServer(t, api)

	doRequest(t, server, "GET", "/api/buses/BUS-1/eta", nil, "")
	doRequest(t, server, "GET", "/api/buses/BUS-2/eta", nil, "")

	assert.Equal(t, 2.0, testutil.ToFloat64(
		api.Metrics.HTTPRequests.WithLabelValues("GET", "GET /api/buses/{bus_id}/eta", "404")))
	assert.Equal(t, 2.0, testutil.ToFloat64(api.Metrics.ETAComputations.WithLabelValues("not_found")))
}
