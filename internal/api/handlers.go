// File: internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/auth"
	"github.com/xkilldash9x/regscrape/internal/config"
	"github.com/xkilldash9x/regscrape/internal/cookies"
	"github.com/xkilldash9x/regscrape/internal/export"
	"github.com/xkilldash9x/regscrape/internal/scraper"
)

const serviceName = "regscrape"

// maxBodyBytes caps request bodies; cookie blobs are a few KB.
const maxBodyBytes = 1 << 20

// Scraper is the part of scraper.Scraper the handlers drive.
type Scraper interface {
	Run(ctx context.Context, req scraper.Request) (*scraper.Run, error)
	Capture(ctx context.Context, a auth.Authenticator) ([]cookies.Cookie, error)
}

// Handlers serves the HTTP endpoints. Browser work is gated by a weighted
// semaphore sized by server.max_concurrent_scrapes.
type Handlers struct {
	cfg     config.Interface
	scrapes Scraper
	sem     *semaphore.Weighted
	log     *zap.Logger
	version string
	now     func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg config.Interface, scrapes Scraper, logger *zap.Logger, version string) *Handlers {
	limit := cfg.Server().MaxConcurrentScrapes
	if limit <= 0 {
		limit = 1
	}
	return &Handlers{
		cfg:     cfg,
		scrapes: scrapes,
		sem:     semaphore.NewWeighted(limit),
		log:     logger.Named("api_handlers"),
		version: version,
		now:     time.Now,
	}
}

// RegisterRoutes sets up the routing for the API.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.Use(corsMiddleware)
	r.HandleFunc("/", h.HandleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/scrape", h.HandleScrape).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/scrape-stream", h.HandleScrapeStream).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/scrape-with-cookies", h.HandleScrapeWithCookies).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/auth-and-capture", h.HandleAuthAndCapture).Methods(http.MethodPost, http.MethodOptions)
}

// corsMiddleware allows any origin; the API sits behind the caller's own auth.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status                string         `json:"status"`
	Service               string         `json:"service"`
	Version               string         `json:"version"`
	CookieHealth          cookies.Health `json:"cookie_health"`
	CookieError           string         `json:"cookie_error,omitempty"`
	AutoRefreshConfigured bool           `json:"auto_refresh_configured"`
	CookiesConfigured     bool           `json:"cookies_configured"`
}

// HandleHealth reports liveness plus the health of the configured cookie blob.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:                "ok",
		Service:               serviceName,
		Version:               h.version,
		AutoRefreshConfigured: h.cfg.Auth().HasCredentials(),
		CookiesConfigured:     h.cfg.Scrape().Cookies != "",
	}
	set, err := cookies.Decode(h.cfg.Scrape().Cookies)
	if err != nil {
		resp.CookieError = err.Error()
	}
	resp.CookieHealth = cookies.Evaluate(set, auth.SettingsFrom(h.cfg).Classes(), h.now())
	h.respondWithJSON(w, http.StatusOK, resp)
}

type scrapeRequest struct {
	Cookies string `json:"cookies"`
	Pages   *int   `json:"pages"`
}

// HandleScrape runs a scrape and answers with the CSV as an attachment.
func (h *Handlers) HandleScrape(w http.ResponseWriter, r *http.Request) {
	h.scrape(w, r, false)
}

// HandleScrapeWithCookies is HandleScrape without the configured fallback.
func (h *Handlers) HandleScrapeWithCookies(w http.ResponseWriter, r *http.Request) {
	h.scrape(w, r, true)
}

func (h *Handlers) scrape(w http.ResponseWriter, r *http.Request, requireCookies bool) {
	req, ok := h.decodeScrape(w, r, requireCookies)
	if !ok {
		return
	}
	if !h.acquire(w, r) {
		return
	}
	defer h.sem.Release(1)

	run, err := h.scrapes.Run(r.Context(), req)
	if err != nil {
		h.respondWithAppError(w, err)
		return
	}
	body, err := export.Encode(run.Records)
	if err != nil {
		h.respondWithAppError(w, apperr.Internal("encode csv", err))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", export.Filename(h.now())))
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, body); err != nil {
		h.log.Warn("Failed to write CSV response.", zap.Error(err))
	}
}

// decodeScrape parses the optional body. An empty body means "use defaults".
func (h *Handlers) decodeScrape(w http.ResponseWriter, r *http.Request, requireCookies bool) (scraper.Request, bool) {
	var body scrapeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return scraper.Request{}, false
	}

	req := scraper.Request{Source: "api"}
	if body.Pages != nil {
		if *body.Pages <= 0 {
			h.respondWithError(w, http.StatusBadRequest, "pages must be a positive integer")
			return req, false
		}
		req.Pages = *body.Pages
	}

	blob := body.Cookies
	if blob == "" {
		if requireCookies {
			h.respondWithError(w, http.StatusBadRequest, "cookies is required")
			return req, false
		}
		blob = h.cfg.Scrape().Cookies
	}
	set, err := cookies.Decode(blob)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid cookies: %v", err))
		return req, false
	}
	req.Cookies = set
	return req, true
}

// acquire takes a browser slot, answering 429 if the request gives up first.
func (h *Handlers) acquire(w http.ResponseWriter, r *http.Request) bool {
	if err := h.sem.Acquire(r.Context(), 1); err != nil {
		h.log.Info("Request abandoned while waiting for a browser slot.", zap.String("path", r.URL.Path))
		h.respondWithError(w, http.StatusTooManyRequests, "A scrape is already in progress.")
		return false
	}
	return true
}

type captureRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"twofa_code"`
}

type captureResponse struct {
	Cookies     string `json:"cookies"`
	CookieCount int    `json:"cookie_count"`
}

// HandleAuthAndCapture signs in with the posted credentials and returns the
// resulting cookie blob.
func (h *Handlers) HandleAuthAndCapture(w http.ResponseWriter, r *http.Request) {
	var body captureRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	creds := auth.Credentials{Email: body.Email, Password: body.Password, TwoFactorCode: body.TwoFactorCode}
	if !creds.Complete() {
		h.respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if !h.acquire(w, r) {
		return
	}
	defer h.sem.Release(1)

	a := auth.NewCredentialAuthenticator(auth.SettingsFrom(h.cfg), creds, h.log)
	set, err := h.scrapes.Capture(r.Context(), a)
	if err != nil {
		h.respondWithAppError(w, err)
		return
	}
	blob, err := cookies.Encode(set)
	if err != nil {
		h.respondWithAppError(w, apperr.Internal("encode cookies", err))
		return
	}
	h.respondWithJSON(w, http.StatusOK, captureResponse{Cookies: blob, CookieCount: len(set)})
}

type errorResponse struct {
	Error             string `json:"error"`
	Kind              string `json:"kind,omitempty"`
	TwoFactorRequired bool   `json:"two_factor_required,omitempty"`
}

func errorBody(err error) errorResponse {
	return errorResponse{
		Error:             err.Error(),
		Kind:              string(apperr.KindOf(err)),
		TwoFactorRequired: errors.Is(err, apperr.ErrTwoFactorCodeRequired),
	}
}

func (h *Handlers) respondWithAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed.", zap.Int("status", status), zap.Error(err))
	}
	h.respondWithJSON(w, status, errorBody(err))
}

func (h *Handlers) respondWithError(w http.ResponseWriter, code int, message string) {
	h.log.Warn("Responding with error", zap.Int("status", code), zap.String("message", message))
	h.respondWithJSON(w, code, errorResponse{Error: message})
}

func (h *Handlers) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("Failed to encode JSON response", zap.Error(err))
	}
}
