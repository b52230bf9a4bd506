// internal/apperr/errors_test.go
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"configuration", Configuration("scrape", "no cookies", ErrNoCookies), KindConfiguration},
		{"wrapped authentication", fmt.Errorf("run: %w", Authentication("refresh", "", ErrTwoFactorRequired)), KindAuthentication},
		{"timeout", Timeout("wait_table", context.DeadlineExceeded), KindTimeout},
		{"bare deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("orchestrator: %w", Authentication("refresh.verify", "", ErrTwoFactorRequired))
	assert.ErrorIs(t, err, ErrTwoFactorRequired)
	assert.Contains(t, err.Error(), "2FA required, cannot auto-refresh")
}

func TestFromContext(t *testing.T) {
	assert.NoError(t, FromContext("op", nil))

	err := FromContext("navigate", fmt.Errorf("chromedp: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Contains(t, err.Error(), "navigate")

	orig := Authentication("login", "bad password", nil)
	assert.Same(t, orig, FromContext("navigate", orig))

	plain := errors.New("other")
	assert.Equal(t, plain, FromContext("navigate", plain))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindConfiguration))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindAuthentication))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(KindTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindExtraction))
}
