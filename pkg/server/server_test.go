package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifetrace-ai/lifetrace/pkg/timeline"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc, err := timeline.NewService(timeline.ServiceConfig{
		Workspace:   t.TempDir(),
		FuseBackoff: 10 * time.Millisecond,
		SweepPoll:   50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ts := httptest.NewServer(New(svc, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_HealthReportsStats(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "stats")
}

func TestServer_ObservationValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/observations", map[string]any{
		"id": "obs-1", "modality": "speech",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Structurally valid but unusable for its modality.
	resp = postJSON(t, ts.URL+"/observations", map[string]any{
		"id": "obs-1", "fragment_id": "frag-1", "modality": "speech",
		"timestamp": time.Now().Format(time.RFC3339),
		"payload":   map[string]any{"text": ""},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_ObservationIngestAndDedupe(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()

	obs := map[string]any{
		"id": "obs-1", "fragment_id": "frag-1", "modality": "speech",
		"timestamp":       now.Format(time.RFC3339),
		"payload":         map[string]any{"text": "hello world"},
		"confidence":      0.9,
		"idempotency_key": "speech/frag-1/0",
	}
	resp := postJSON(t, ts.URL+"/observations", obs)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decodeBody[observationResponse](t, resp)
	assert.True(t, first.Accepted)
	assert.False(t, first.Deduplicated)

	obs["id"] = "obs-1-retry"
	resp = postJSON(t, ts.URL+"/observations", obs)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	second := decodeBody[observationResponse](t, resp)
	assert.True(t, second.Deduplicated)
}

func TestServer_ObservationIDAssignedWhenOmitted(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/observations", map[string]any{
		"fragment_id": "frag-1", "modality": "speech",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"payload":    map[string]any{"text": "hello"},
		"confidence": 0.9,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody[observationResponse](t, resp)
	assert.NotEmpty(t, body.ID)
}

func TestServer_AskValidatesAndAnswers(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/ask", map[string]any{"question": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/ask", map[string]any{"question": "what did I do today?"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ans := decodeBody[timeline.Answer](t, resp)
	assert.True(t, ans.Uncertain)
	assert.Zero(t, ans.Confidence)
}

func TestServer_FragmentFlowProducesAnswer(t *testing.T) {
	ts := newTestServer(t)
	t0 := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	observations := []map[string]any{
		{
			"id": "obs-speech", "fragment_id": "frag-1", "modality": "speech",
			"timestamp":  t0.Format(time.RFC3339),
			"payload":    map[string]any{"text": "these shoes cost forty-two dollars"},
			"confidence": 0.9,
		},
		{
			"id": "obs-ocr", "fragment_id": "frag-1", "modality": "ocr",
			"timestamp":  t0.Add(time.Second).Format(time.RFC3339),
			"payload":    map[string]any{"text": "$42.00"},
			"confidence": 0.95,
		},
	}
	for _, obs := range observations {
		resp := postJSON(t, ts.URL+"/observations", obs)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	resp := postJSON(t, ts.URL+"/fragments", map[string]any{
		"id": "frag-1", "stream": "cam-0",
		"start": t0.Format(time.RFC3339),
		"end":   t0.Add(10 * time.Second).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Fusion is asynchronous; poll the events listing.
	var fused bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/events")
		require.NoError(t, err)
		body := decodeBody[map[string][]timeline.MemoryEvent](t, resp)
		if len(body["events"]) > 0 {
			fused = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, fused, "fragment never fused")

	resp = postJSON(t, ts.URL+"/ask", map[string]any{
		"question": "how much did the shoes cost?",
		"now":      t0.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ans := decodeBody[timeline.Answer](t, resp)
	assert.Contains(t, ans.Text, "$42.00")
	assert.NotEmpty(t, ans.Evidence)
}

func TestServer_DeleteMemoryValidation(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/memory", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/memory", bytes.NewReader([]byte(`{"all": true}`)))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]int](t, resp)
	assert.Equal(t, 0, body["deleted"])
}

func TestServer_FragmentValidation(t *testing.T) {
	ts := newTestServer(t)
	t0 := time.Now().UTC()

	resp := postJSON(t, ts.URL+"/fragments", map[string]any{
		"id": "frag-1", "stream": "cam-0",
		"start": t0.Format(time.RFC3339),
		"end":   t0.Add(-time.Second).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
