// internal/cookies/health_test.go
package cookies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) float64 {
	return float64(testNow.Add(d).Unix())
}

func TestEvaluate_Status(t *testing.T) {
	classes := DefaultClasses()

	tests := []struct {
		name string
		set  []Cookie
		want Status
	}{
		{"nil set", nil, StatusMissing},
		{"empty set", []Cookie{}, StatusMissing},
		{"no relevant names", []Cookie{{Name: "_ga", Expires: at(time.Hour)}}, StatusExpired},
		{"both classes expired", []Cookie{
			{Name: "appSession.0", Expires: at(-time.Minute)},
			{Name: "did", Expires: at(-time.Hour)},
		}, StatusExpired},
		{"session valid only", []Cookie{
			{Name: "appSession.0", Expires: at(time.Hour)},
			{Name: "did", Expires: at(-time.Hour)},
		}, StatusWarning},
		{"device trust valid only", []Cookie{
			{Name: "appSession.0", Expires: at(-time.Second)},
			{Name: "auth0-mf", Expires: at(30 * 24 * time.Hour)},
		}, StatusAutoRefresh},
		{"both valid", []Cookie{
			{Name: "auth0", Expires: SessionOnly},
			{Name: "did", Expires: at(time.Hour)},
		}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.set, classes, testNow).Status)
		})
	}
}

func TestEvaluate_ExpiryIsStrict(t *testing.T) {
	set := []Cookie{{Name: "auth0", Expires: at(0)}}
	h := Evaluate(set, DefaultClasses(), testNow)
	assert.False(t, h.SessionValid, "a cookie expiring exactly now is not valid")
	assert.Equal(t, StatusExpired, h.Status)
}

func TestEvaluate_TimeToExpiry(t *testing.T) {
	set := []Cookie{
		{Name: "appSession.0", Expires: at(time.Hour)},
		{Name: "appSession.1", Expires: at(2 * time.Hour)},
		{Name: "did", Expires: SessionOnly},
	}
	h := Evaluate(set, DefaultClasses(), testNow)

	require.NotNil(t, h.SessionExpiresIn)
	assert.Equal(t, 2*time.Hour, *h.SessionExpiresIn)
	assert.True(t, h.DeviceTrustValid)
	assert.Nil(t, h.DeviceTrustExpiresIn, "session-only cookies carry no time to expiry")
	assert.Equal(t, StatusHealthy, h.Status)
	assert.False(t, h.NeedsRefresh())
}

func TestEvaluate_CustomClasses(t *testing.T) {
	classes := Classes{Session: []string{"sid"}, DeviceTrust: []string{"trusted"}}
	set := []Cookie{{Name: "sid", Expires: at(time.Minute)}, {Name: "did", Expires: at(time.Hour)}}
	assert.Equal(t, StatusWarning, Evaluate(set, classes, testNow).Status)
}

func TestHealth_NeedsRefresh(t *testing.T) {
	assert.True(t, Health{Status: StatusExpired}.NeedsRefresh())
	assert.True(t, Health{Status: StatusAutoRefresh}.NeedsRefresh())
	assert.False(t, Health{Status: StatusWarning}.NeedsRefresh())
	assert.False(t, Health{Status: StatusMissing}.NeedsRefresh())
}

func TestExpiringWithin(t *testing.T) {
	set := []Cookie{
		{Name: "appSession.0", Expires: at(30 * time.Minute)},
		{Name: "appSession.1", Expires: at(3 * time.Hour)},
		{Name: "auth0", Expires: SessionOnly},
		{Name: "auth0_compat", Expires: at(-time.Minute)},
		{Name: "did", Expires: at(time.Minute)},
	}
	got := ExpiringWithin(set, DefaultClasses(), testNow, time.Hour)
	assert.Equal(t, []string{"appSession.0"}, Names(got))
}
