package api

import (
	"fmt"
	"net/http"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// MaxWindowDays bounds the date range of log and stats queries.
const MaxWindowDays = 92

// KindStats counts finalized outcomes of one kind over a window.
type KindStats struct {
	Completed      int     `json:"completed"`
	Underperformed int     `json:"underperformed"`
	Missed         int     `json:"missed"`
	ComplianceRate float64 `json:"compliance_rate"`
}

// ClientStats summarizes a client's finalized log over a window.
type ClientStats struct {
	ClientID       string                       `json:"client_id"`
	From           contracts.Date               `json:"from"`
	To             contracts.Date               `json:"to"`
	Kinds          map[contracts.Kind]KindStats `json:"kinds"`
	CardioAssigned int                          `json:"cardio_assigned_minutes"`
	CardioActual   int                          `json:"cardio_actual_minutes"`
	WeightFirst    float64                      `json:"weight_first_kg,omitempty"`
	WeightLast     float64                      `json:"weight_last_kg,omitempty"`
	WeightMean     float64                      `json:"weight_mean_kg,omitempty"`
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if clients == nil {
		clients = []contracts.ClientProfile{}
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetClient(r.Context(), r.PathValue("client"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// window resolves ?from=&to= against the client's local calendar. The
// default is the trailing 7 days ending today.
func (s *Server) window(r *http.Request, c contracts.ClientProfile) (from, to contracts.Date, err error) {
	to = c.Offset.LocalDate(s.now())
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = contracts.ParseDate(v); err != nil {
			return from, to, &contracts.ValidationError{Field: "to", Reason: err.Error()}
		}
	}
	from = to.AddDays(-6)
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = contracts.ParseDate(v); err != nil {
			return from, to, &contracts.ValidationError{Field: "from", Reason: err.Error()}
		}
	}
	if from.After(to) {
		return from, to, &contracts.ValidationError{Field: "from", Reason: fmt.Sprintf("%s is after %s", from, to)}
	}
	if to.DaysSince(from) >= MaxWindowDays {
		return from, to, &contracts.ValidationError{Field: "from", Reason: fmt.Sprintf("window exceeds %d days", MaxWindowDays)}
	}
	return from, to, nil
}

// finalEntries loads the client's finalized entries for the requested window,
// optionally narrowed to ?kind=.
func (s *Server) finalEntries(r *http.Request) (contracts.ClientProfile, contracts.Date, contracts.Date, []contracts.LogEntry, error) {
	ctx := r.Context()
	c, err := s.store.GetClient(ctx, r.PathValue("client"))
	if err != nil {
		return c, contracts.Date{}, contracts.Date{}, nil, err
	}
	from, to, err := s.window(r, c)
	if err != nil {
		return c, from, to, nil, err
	}
	var kind contracts.Kind
	if v := r.URL.Query().Get("kind"); v != "" {
		if kind, err = contracts.ParseKind(v); err != nil {
			return c, from, to, nil, &contracts.ValidationError{Field: "kind", Reason: err.Error()}
		}
	}
	entries, err := s.store.ListFinal(ctx, c.ID, from, to, s.now())
	if err != nil {
		return c, from, to, nil, err
	}
	out := make([]contracts.LogEntry, 0, len(entries))
	for _, e := range entries {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return c, from, to, out, nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	_, _, _, entries, err := s.finalEntries(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	c, from, to, entries, err := s.finalEntries(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(c.ID, from, to, entries))
}

func summarize(clientID string, from, to contracts.Date, entries []contracts.LogEntry) ClientStats {
	st := ClientStats{ClientID: clientID, From: from, To: to, Kinds: map[contracts.Kind]KindStats{}}
	var weights []float64
	for _, e := range entries {
		k := st.Kinds[e.Kind]
		switch e.Status {
		case contracts.StatusCompleted:
			k.Completed++
		case contracts.StatusUnderperformed:
			k.Underperformed++
		case contracts.StatusMissed:
			k.Missed++
		}
		st.Kinds[e.Kind] = k

		switch p := e.Payload.(type) {
		case contracts.CardioPayload:
			st.CardioAssigned += p.AssignedMinutes
			st.CardioActual += p.ActualMinutes
		case contracts.CheckinPayload:
			weights = append(weights, p.WeightKg)
		}
	}
	for kind, k := range st.Kinds {
		if total := k.Completed + k.Underperformed + k.Missed; total > 0 {
			k.ComplianceRate = float64(k.Completed) / float64(total)
			st.Kinds[kind] = k
		}
	}
	if len(weights) > 0 {
		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		st.WeightFirst = weights[0]
		st.WeightLast = weights[len(weights)-1]
		st.WeightMean = sum / float64(len(weights))
	}
	return st
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("client")
	if _, err := s.store.GetClient(ctx, id); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rejected, err := s.store.ListRejected(ctx, id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if rejected == nil {
		rejected = []contracts.LogEntry{}
	}
	writeJSON(w, http.StatusOK, rejected)
}
