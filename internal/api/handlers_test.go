package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/auth"
	"github.com/xkilldash9x/regscrape/internal/browser/browsertest"
	"github.com/xkilldash9x/regscrape/internal/config"
	"github.com/xkilldash9x/regscrape/internal/cookies"
	"github.com/xkilldash9x/regscrape/internal/extract"
	"github.com/xkilldash9x/regscrape/internal/scraper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubScraper struct {
	mu       sync.Mutex
	requests []scraper.Request
	run      func(ctx context.Context, req scraper.Request) (*scraper.Run, error)
	capture  func(ctx context.Context, a auth.Authenticator) ([]cookies.Cookie, error)
}

func (s *stubScraper) Run(ctx context.Context, req scraper.Request) (*scraper.Run, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.run == nil {
		return &scraper.Run{ID: uuid.New(), Records: sampleRecords()}, nil
	}
	return s.run(ctx, req)
}

func (s *stubScraper) Capture(ctx context.Context, a auth.Authenticator) ([]cookies.Cookie, error) {
	return s.capture(ctx, a)
}

func (s *stubScraper) last(t *testing.T) scraper.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

func sampleRecords() []extract.Record {
	return []extract.Record{
		{extract.FieldPhoneNumber: "+15550001", extract.FieldRegistrationStatus: "Active"},
		{extract.FieldPhoneNumber: "+15550002", extract.FieldRegistrationStatus: "Pending"},
	}
}

func healthyBlob(t *testing.T) string {
	set := []cookies.Cookie{
		{Name: "appSession.0", Value: "s", Domain: ".hiya.com", Expires: float64(fixedNow.Add(24 * time.Hour).Unix())},
		{Name: "did", Value: "d", Domain: ".hiya.com", Expires: float64(fixedNow.Add(30 * 24 * time.Hour).Unix())},
	}
	blob, err := cookies.Encode(set)
	require.NoError(t, err)
	return blob
}

func newTestHandlers(t *testing.T, cfg *config.Config, s Scraper) (*Handlers, http.Handler) {
	h := NewHandlers(cfg, s, zaptest.NewLogger(t), "test")
	h.now = func() time.Time { return fixedNow }
	srv := &Server{handlers: h}
	return h, srv.Router()
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetScrapeCookies(healthyBlob(t))
	_, router := newTestHandlers(t, cfg, &stubScraper{})

	rec := do(router, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "regscrape", body["service"])
	assert.Equal(t, true, body["cookies_configured"])
	assert.Equal(t, false, body["auto_refresh_configured"])
	health := body["cookie_health"].(map[string]interface{})
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth_InvalidBlob(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetScrapeCookies("%%%not-base64")
	_, router := newTestHandlers(t, cfg, &stubScraper{})

	body := decodeJSON(t, do(router, http.MethodGet, "/", ""))
	assert.Equal(t, "missing", body["cookie_health"].(map[string]interface{})["status"])
	assert.Contains(t, body["cookie_error"], "base64")
}

func TestCORSPreflight(t *testing.T) {
	_, router := newTestHandlers(t, config.NewDefaultConfig(), &stubScraper{})
	rec := do(router, http.MethodOptions, "/scrape", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "POST, GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestScrape_ReturnsCSVAttachment(t *testing.T) {
	cfg := config.NewDefaultConfig()
	stub := &stubScraper{}
	_, router := newTestHandlers(t, cfg, stub)

	rec := do(router, http.MethodPost, "/scrape", `{"cookies":"`+healthyBlob(t)+`","pages":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=registrations_20250601_120000.csv", rec.Header().Get("Content-Disposition"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "phone_number,registration_status", strings.TrimSpace(lines[0]))

	req := stub.last(t)
	assert.Equal(t, 3, req.Pages)
	assert.Equal(t, "api", req.Source)
	assert.Len(t, req.Cookies, 2)
}

func TestScrape_EmptyBodyUsesConfiguredCookies(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetScrapeCookies(healthyBlob(t))
	stub := &stubScraper{}
	_, router := newTestHandlers(t, cfg, stub)

	rec := do(router, http.MethodPost, "/scrape", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := stub.last(t)
	assert.Zero(t, req.Pages, "the scraper applies the default budget")
	assert.ElementsMatch(t, []string{"appSession.0", "did"}, cookies.Names(req.Cookies))
}

func TestScrape_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"malformed json", "/scrape", `{"pages":`, "Invalid request body"},
		{"zero pages", "/scrape", `{"pages":0}`, "pages must be a positive integer"},
		{"negative pages", "/scrape-stream", `{"pages":-2}`, "pages must be a positive integer"},
		{"bad cookie blob", "/scrape", `{"cookies":"!!"}`, "Invalid cookies"},
		{"cookies required", "/scrape-with-cookies", `{"pages":2}`, "cookies is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubScraper{}
			_, router := newTestHandlers(t, config.NewDefaultConfig(), stub)
			rec := do(router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeJSON(t, rec)["error"], tt.want)
			assert.Empty(t, stub.requests)
		})
	}
}

func TestScrape_NoCookiesNoCredentials(t *testing.T) {
	cfg := config.NewDefaultConfig()
	b := &browsertest.Browser{}
	calls := 0
	s := scraper.New(cfg, b.Launcher(&calls), zaptest.NewLogger(t))
	_, router := newTestHandlers(t, cfg, s)

	rec := do(router, http.MethodPost, "/scrape", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "configuration", body["kind"])
	assert.Contains(t, body["error"], "HIYA_COOKIES")
	assert.Zero(t, calls, "no browser may be launched")
}

func TestScrape_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"authentication", apperr.Authentication("resume_session", "cookies expired", apperr.ErrLoginRedirect), http.StatusUnauthorized, "authentication"},
		{"timeout", apperr.Timeout("wait for table", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"extraction", apperr.Extraction("extract", "table vanished", nil), http.StatusInternalServerError, "extraction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubScraper{run: func(ctx context.Context, req scraper.Request) (*scraper.Run, error) {
				return &scraper.Run{ID: uuid.New(), Err: tt.err}, tt.err
			}}
			_, router := newTestHandlers(t, config.NewDefaultConfig(), stub)
			rec := do(router, http.MethodPost, "/scrape-with-cookies", `{"cookies":"`+healthyBlob(t)+`"}`)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.kind, decodeJSON(t, rec)["kind"])
		})
	}
}

func TestScrape_BusyReturns429(t *testing.T) {
	h, router := newTestHandlers(t, config.NewDefaultConfig(), &stubScraper{})
	require.True(t, h.sem.TryAcquire(1))
	defer h.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader("")).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuthAndCapture(t *testing.T) {
	captured := []cookies.Cookie{
		{Name: "appSession.0", Value: "s", Domain: ".hiya.com", Expires: cookies.SessionOnly},
		{Name: "did", Value: "d", Domain: ".hiya.com", Expires: float64(fixedNow.Add(time.Hour).Unix())},
	}
	stub := &stubScraper{capture: func(ctx context.Context, a auth.Authenticator) ([]cookies.Cookie, error) {
		_, ok := a.(*auth.CredentialAuthenticator)
		assert.True(t, ok)
		return captured, nil
	}}
	_, router := newTestHandlers(t, config.NewDefaultConfig(), stub)

	rec := do(router, http.MethodPost, "/auth-and-capture", `{"email":"a@b.c","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	assert.EqualValues(t, 2, body["cookie_count"])
	set, err := cookies.Decode(body["cookies"].(string))
	require.NoError(t, err)
	assert.Equal(t, captured, set)
}

func TestAuthAndCapture_Errors(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		_, router := newTestHandlers(t, config.NewDefaultConfig(), &stubScraper{})
		rec := do(router, http.MethodPost, "/auth-and-capture", `{"email":"a@b.c"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("two factor code needed", func(t *testing.T) {
		stub := &stubScraper{capture: func(ctx context.Context, a auth.Authenticator) ([]cookies.Cookie, error) {
			return nil, apperr.Authentication("sign_in", "verification code required", apperr.ErrTwoFactorCodeRequired)
		}}
		_, router := newTestHandlers(t, config.NewDefaultConfig(), stub)
		rec := do(router, http.MethodPost, "/auth-and-capture", `{"email":"a@b.c","password":"pw"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeJSON(t, rec)
		assert.Equal(t, true, body["two_factor_required"])
		assert.Equal(t, "authentication", body["kind"])
	})
}

type sseEvent struct {
	name string
	data map[string]interface{}
}

func readEvents(t *testing.T, body string) []sseEvent {
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data))
		case line == "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestScrapeStream(t *testing.T) {
	id := uuid.New()
	stub := &stubScraper{run: func(ctx context.Context, req scraper.Request) (*scraper.Run, error) {
		require.NotNil(t, req.Sink)
		req.Sink(scraper.Event{Kind: scraper.EventStatus, RunID: id.String(), Message: "Starting browser."})
		req.Sink(scraper.Event{Kind: scraper.EventLog, RunID: id.String(), Level: "info", Message: "Page extracted."})
		return &scraper.Run{ID: id, Records: sampleRecords()}, nil
	}}
	_, router := newTestHandlers(t, config.NewDefaultConfig(), stub)

	rec := do(router, http.MethodPost, "/scrape-stream", `{"cookies":"`+healthyBlob(t)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readEvents(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "status", events[0].name)
	assert.Equal(t, "Starting browser.", events[0].data["message"])
	assert.Equal(t, "log", events[1].name)
	assert.Equal(t, "complete", events[2].name)
	assert.EqualValues(t, 2, events[2].data["record_count"])
	assert.Equal(t, id.String(), events[2].data["run_id"])
	assert.Contains(t, events[2].data["csv"], "+15550002")
}

func TestScrapeStream_Error(t *testing.T) {
	stub := &stubScraper{run: func(ctx context.Context, req scraper.Request) (*scraper.Run, error) {
		err := apperr.Timeout("wait for table", context.DeadlineExceeded)
		return &scraper.Run{ID: uuid.New(), Err: err}, err
	}}
	_, router := newTestHandlers(t, config.NewDefaultConfig(), stub)

	rec := do(router, http.MethodPost, "/scrape-stream", `{"cookies":"`+healthyBlob(t)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := readEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)
	assert.Equal(t, "timeout", events[0].data["kind"])
}

func TestScrapeStream_ClientDisconnect(t *testing.T) {
	started := make(chan struct{})
	stub := &stubScraper{run: func(ctx context.Context, req scraper.Request) (*scraper.Run, error) {
		close(started)
		<-ctx.Done()
		// A sink call after cancellation must not block.
		req.Sink(scraper.Event{Kind: scraper.EventLog, Message: "late"})
		return &scraper.Run{ID: uuid.New()}, apperr.FromContext("scrape", ctx.Err())
	}}
	_, router := newTestHandlers(t, config.NewDefaultConfig(), stub)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/scrape-stream", strings.NewReader(`{"cookies":"`+healthyBlob(t)+`"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	go func() {
		<-started
		cancel()
	}()
	router.ServeHTTP(rec, req)

	for _, e := range readEvents(t, rec.Body.String()) {
		assert.NotEqual(t, "complete", e.name)
	}
}
