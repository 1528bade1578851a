package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")

	// a second updater must not collide with the first
	assert.NotPanics(t, func() { NewStatsUpdater(http.NewServeMux()) })
}

func TestStatsUpdater_Counters(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(NumActiveClients)
	su.Run()
	t.Cleanup(su.Stop)

	su.Incr(NumActiveClients)
	su.Incr(NumActiveClients)
	su.Decr(NumActiveClients)
	su.Incr("NotRegistered")

	assert.Eventually(t, func() bool {
		return su.Value(NumActiveClients) == 1
	}, time.Second, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.EqualValues(t, 1, body[NumActiveClients])
	assert.Contains(t, body, "Uptime")
	assert.NotContains(t, body, "NotRegistered")
}

func TestStatsUpdater_StopUnblocksSenders(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1024; i++ {
			su.Incr(NumMessagesSent)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("timeout: Incr blocked after Stop")
	}
}
