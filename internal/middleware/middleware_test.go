package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-reservation/internal/config"
	"github.com/iliyamo/bus-seat-reservation/internal/utils"
)

const secret = "test-secret"

func whoami(c echo.Context) error {
	id, ok := UserID(c)
	if !ok {
		return c.String(http.StatusOK, "guest:"+Role(c))
	}
	return c.String(http.StatusOK, strconv.FormatUint(id, 10)+":"+Role(c))
}

func token(t *testing.T, id uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, id, role, time.Hour)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	return "Bearer " + tok.Token
}

func serve(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))

	if rec := serve(e, http.MethodGet, "/me", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/me", "Bearer garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
	rec := serve(e, http.MethodGet, "/me", token(t, 7, "CUSTOMER"))
	if rec.Code != http.StatusOK || rec.Body.String() != "7:CUSTOMER" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}

	other, err := utils.NewAccessToken("other-secret", 7, "ADMIN", time.Hour)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	if rec := serve(e, http.MethodGet, "/me", "Bearer "+other.Token); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign token: %d", rec.Code)
	}
}

func TestOptionalJWT(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, OptionalJWT(secret))

	if rec := serve(e, http.MethodGet, "/me", ""); rec.Code != http.StatusOK || rec.Body.String() != "guest:" {
		t.Fatalf("guest: %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(e, http.MethodGet, "/me", token(t, 9, "CUSTOMER")); rec.Body.String() != "9:CUSTOMER" {
		t.Fatalf("user: %q", rec.Body.String())
	}
	if rec := serve(e, http.MethodGet, "/me", "Bearer broken"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("broken token: %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", whoami, JWTAuth(secret), RequireRole("ADMIN"))

	if rec := serve(e, http.MethodGet, "/admin", token(t, 1, "CUSTOMER")); rec.Code != http.StatusForbidden {
		t.Fatalf("customer: %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/admin", token(t, 1, "ADMIN")); rec.Code != http.StatusOK {
		t.Fatalf("admin: %d", rec.Code)
	}
}

func TestParseSubject(t *testing.T) {
	cases := []struct {
		in   interface{}
		want uint64
		ok   bool
	}{
		{float64(12), 12, true},
		{"34", 34, true},
		{float64(1.5), 0, false},
		{float64(0), 0, false},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := parseSubject(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseSubject(%v) = %d, %v", tc.in, got, ok)
		}
	}
}

func TestTokenBucketFallsBackToLocalBuckets(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Hour,
		TTL:            time.Hour,
		KeyStrategy:    "ip",
		Prefix:         "rl",
	}
	e := echo.New()
	e.POST("/holds", func(c echo.Context) error { return c.NoContent(http.StatusCreated) }, NewTokenBucket(cfg, nil))

	for i := 0; i < 2; i++ {
		if rec := serve(e, http.MethodPost, "/holds", ""); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec := serve(e, http.MethodPost, "/holds", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	e := echo.New()
	e.POST("/holds", func(c echo.Context) error { return c.NoContent(http.StatusCreated) },
		NewTokenBucket(config.RateLimitConfig{Enabled: false}, nil))
	for i := 0; i < 20; i++ {
		if rec := serve(e, http.MethodPost, "/holds", ""); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
}

func TestLocalBucketsRefillAndPrune(t *testing.T) {
	l := newLocalBuckets(config.RateLimitConfig{Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute})
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	if ok, _, _ := l.take("a", now); !ok {
		t.Fatalf("first take denied")
	}
	ok, _, retry := l.take("a", now)
	if ok || retry <= 0 || retry > time.Second {
		t.Fatalf("second take = %v retry %s", ok, retry)
	}
	if ok, _, _ := l.take("a", now.Add(time.Second)); !ok {
		t.Fatalf("take after refill denied")
	}
	l.take("b", now.Add(time.Second))

	l.take("c", now.Add(3*time.Minute))
	if _, ok := l.buckets["a"]; ok {
		t.Fatalf("idle bucket not pruned")
	}
}

func TestRateKeyUsesCaller(t *testing.T) {
	cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "user"}
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	if got := buildRateKey(cfg, c); got != "rl:user:guest" {
		t.Fatalf("guest key = %s", got)
	}
	c.Set(ctxUserID, uint64(5))
	if got := buildRateKey(cfg, c); got != "rl:user:5" {
		t.Fatalf("user key = %s", got)
	}
}

func TestCacheKeyDependsOnConcretePath(t *testing.T) {
	cfg := config.CacheConfig{Prefix: "seatmap", KeyStrategy: "route_query"}
	e := echo.New()
	key := func(path string) string {
		return cacheKeyFrom(cfg, e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder()))
	}
	if key("/v1/trips/1/seats") == key("/v1/trips/2/seats") {
		t.Fatalf("trips share a cache key")
	}
	if key("/v1/trips/1/seats") != key("/v1/trips/1/seats") {
		t.Fatalf("key not stable")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, hdr, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	status, got, body, ok := decodePayload(bs)
	if !ok || status != http.StatusOK || got.Get("Content-Type") != "application/json" || string(body) != `{"a":1}` {
		t.Fatalf("decode = %d %v %q %v", status, got, body, ok)
	}
	if _, _, _, ok := decodePayload(bs[:5]); ok {
		t.Fatalf("short payload accepted")
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	calls := 0
	e := echo.New()
	e.GET("/seats", func(c echo.Context) error {
		calls++
		return c.String(http.StatusOK, "map")
	}, NewRedisCache(config.CacheConfig{Enabled: true, Methods: map[string]bool{"GET": true}}, nil))
	serve(e, http.MethodGet, "/seats", "")
	serve(e, http.MethodGet, "/seats", "")
	if calls != 2 {
		t.Fatalf("handler called %d times", calls)
	}
}
