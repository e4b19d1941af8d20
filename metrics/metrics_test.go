package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreExposed(t *testing.T) {
	SetContainerGauges(map[string]int{"deployed": 3, "paused": 1}, 7)
	RecordCharge("ok", 120*time.Millisecond)
	RecordRPC("launch", "ok")
	RecordAnnouncement("service", true)
	RecordAnnouncement("container", false)
	RecordUpgrade("rolled_back")

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `enclaved_containers_by_state{state="deployed"} 3`)
	assert.Contains(t, body, "enclaved_containers_units_committed 7")
	assert.Contains(t, body, `enclaved_billing_charges_total{outcome="ok"}`)
	assert.Contains(t, body, `enclaved_rpc_requests_total{method="launch",outcome="ok"}`)
	assert.Contains(t, body, `enclaved_transport_announcements_total{kind="container",outcome="error"}`)
	assert.Contains(t, body, `enclaved_upgrades_attempts_total{outcome="rolled_back"}`)
}
