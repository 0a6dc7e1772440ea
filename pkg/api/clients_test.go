package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func seedDay(t *testing.T, h http.Handler) {
	t.Helper()
	for _, body := range []SubmissionRequest{
		{ClientID: "c1", Kind: "fuel", Date: "2026-03-02", Payload: json.RawMessage(`{"meal_id":"m1"}`)},
		{ClientID: "c1", Kind: "cardio", Date: "2026-03-02", Payload: json.RawMessage(`{"actual_minutes":20}`)},
	} {
		require.Equal(t, http.StatusCreated, post(t, h, "/v1/submissions", body).Code)
	}
	rec := post(t, h, "/v1/submissions", SubmissionRequest{ClientID: "c1", Kind: "fuel", Date: "2026-02-20", Payload: json.RawMessage(`{"meal_id":"m0"}`)})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestClients_ListAndGet(t *testing.T) {
	_, h := newTestServer(t)

	rec := get(t, h, "/v1/clients")
	require.Equal(t, http.StatusOK, rec.Code)
	var clients []contracts.ClientProfile
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&clients))
	require.Len(t, clients, 1)
	assert.Equal(t, "c1", clients[0].ID)

	rec = get(t, h, "/v1/clients/c1")
	require.Equal(t, http.StatusOK, rec.Code)
	var c contracts.ClientProfile
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	assert.Equal(t, contracts.GoalCut, c.Goal)
	assert.Equal(t, 2, c.Offset.Hours())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/clients/ghost").Code)
}

func TestClients_Logs(t *testing.T) {
	_, h := newTestServer(t)
	seedDay(t, h)

	rec := get(t, h, "/v1/clients/c1/logs")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entries []contracts.LogEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.KindCardio, entries[0].Kind)
	assert.Equal(t, contracts.CardioPayload{AssignedMinutes: 30, ActualMinutes: 20}, entries[0].Payload)
	assert.Equal(t, contracts.KindFuel, entries[1].Kind)

	rec = get(t, h, "/v1/clients/c1/logs?kind=fuel&from=2026-03-01&to=2026-03-02")
	require.Equal(t, http.StatusOK, rec.Code)
	entries = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.StatusCompleted, entries[0].Status)

	rec = get(t, h, "/v1/clients/c1/logs?from=2026-02-01&to=2026-02-07")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestClients_LogsRejectsBadWindow(t *testing.T) {
	_, h := newTestServer(t)
	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"reversed", "?from=2026-03-05&to=2026-03-01", http.StatusUnprocessableEntity},
		{"bad date", "?from=yesterday", http.StatusUnprocessableEntity},
		{"too wide", "?from=2025-01-01&to=2026-03-02", http.StatusUnprocessableEntity},
		{"unknown kind", "?kind=yoga", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, "/v1/clients/c1/logs"+tt.query)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/clients/ghost/logs").Code)
}

func TestClients_Stats(t *testing.T) {
	_, h := newTestServer(t)
	seedDay(t, h)

	rec := get(t, h, "/v1/clients/c1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var st ClientStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, contracts.MustDate("2026-03-02"), st.To)
	assert.Equal(t, contracts.MustDate("2026-02-24"), st.From)
	assert.Equal(t, KindStats{Completed: 1, ComplianceRate: 1}, st.Kinds[contracts.KindFuel])
	assert.Equal(t, KindStats{Underperformed: 1}, st.Kinds[contracts.KindCardio])
	assert.Equal(t, 30, st.CardioAssigned)
	assert.Equal(t, 20, st.CardioActual)
	assert.Zero(t, st.WeightMean)
}

func TestSummarize_WeightTrend(t *testing.T) {
	day := contracts.MustDate("2026-03-02")
	checkin := func(d contracts.Date, kg float64) contracts.LogEntry {
		return contracts.LogEntry{Kind: contracts.KindCheckin, Date: d, Status: contracts.StatusCompleted, Finalized: true,
			Payload: contracts.CheckinPayload{WeightKg: kg}}
	}
	st := summarize("c1", day, day.AddDays(2), []contracts.LogEntry{
		checkin(day, 82), checkin(day.AddDays(1), 81), checkin(day.AddDays(2), 80.5),
		{Kind: contracts.KindFuel, Date: day, Status: contracts.StatusMissed, Finalized: true},
	})
	assert.InDelta(t, 82.0, st.WeightFirst, 1e-9)
	assert.InDelta(t, 80.5, st.WeightLast, 1e-9)
	assert.InDelta(t, 81.1666, st.WeightMean, 1e-3)
	assert.Equal(t, KindStats{Missed: 1}, st.Kinds[contracts.KindFuel])
	assert.Equal(t, 3, st.Kinds[contracts.KindCheckin].Completed)
}

func TestClients_Rejections(t *testing.T) {
	_, h := newTestServer(t)
	seedDay(t, h)

	rec := get(t, h, "/v1/clients/c1/rejections")
	require.Equal(t, http.StatusOK, rec.Code)
	var rejected []contracts.LogEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rejected))
	require.Len(t, rejected, 1)
	assert.Equal(t, contracts.StatusRejected, rejected[0].Status)
	assert.Equal(t, contracts.MustDate("2026-02-20"), rejected[0].Date)
	assert.Contains(t, rejected[0].Reason, "start date")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/clients/ghost/rejections").Code)
}
