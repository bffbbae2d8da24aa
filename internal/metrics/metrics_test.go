package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesObservations(t *testing.T) {
	ObserveDispatch("keys")
	ObserveDispatch("")
	ObserveResponse("done", 3*time.Second, 500*time.Millisecond, false)
	ObserveResponse("timed_out_empty", 10*time.Second, 0, true)
	ObserveCase("en", true, 0.82, true)
	ObserveCase("ar", false, 0, false)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `chatwatch_prompts_sent_total{path="keys"}`)
	assert.Contains(t, body, `chatwatch_prompts_sent_total{path="none"}`)
	assert.Contains(t, body, `chatwatch_responses_total{outcome="timed_out_empty"}`)
	assert.Contains(t, body, "chatwatch_responses_suspicious_total")
	assert.Contains(t, body, "chatwatch_response_first_token_seconds_count")
	assert.Contains(t, body, `chatwatch_cases_total{result="fail"}`)
	assert.Contains(t, body, `chatwatch_similarity_score_count{language="en"}`)
}
