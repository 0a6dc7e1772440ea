// Package delivery is the compliance state machine shared by every
// assignment kind:
//
//	Scheduled → Dispatched → {Responded(completed|underperformed), DeadlineMissed(missed)}
//
// Engine[P] holds the state machine; Spec[P] is the small per-kind table
// of validation, status derivation and content rendering.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EdwinShiels/TheRegiment/pkg/alert"
	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/observability"
	"github.com/EdwinShiels/TheRegiment/pkg/predicate"
	"github.com/EdwinShiels/TheRegiment/pkg/retry"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
	"github.com/EdwinShiels/TheRegiment/pkg/store/ledger"
	"github.com/EdwinShiels/TheRegiment/pkg/transport"
)

// Outcome describes what a Drop or CheckDeadline call did.
type Outcome string

const (
	OutcomeDispatched  Outcome = "dispatched"
	OutcomeMissed      Outcome = "missed"
	OutcomeResponded   Outcome = "responded"
	OutcomeAlreadyDone Outcome = "already_done"
	OutcomeInFlight    Outcome = "in_flight"
)

// Enqueuer accepts sends for delivery; *retry.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job retry.Job) error
}

// Deps are the collaborators shared by every engine.
type Deps struct {
	Store       store.Store
	Ledger      ledger.Ledger
	Queue       Enqueuer
	Alerts      alert.Sink
	Predicates  *predicate.Engine
	Telemetry   *observability.Provider
	Clock       func() time.Time
	Lease       time.Duration
	WritePolicy retry.Policy
}

// RenderInput is what content rendering sees for one drop.
type RenderInput struct {
	Client   contracts.ClientProfile
	Date     contracts.Date
	DayIndex int
	Target   int
	// Refeed is true when the day is a refeed day and the client is not
	// blocked from it.
	Refeed bool
}

// Spec is the per-kind constraint table.
type Spec[P contracts.Payload] struct {
	Kind contracts.Kind
	// Schema is the JSON schema submissions are checked against before decoding.
	Schema string
	// Validate checks semantic constraints and may normalize the payload.
	Validate func(p P, client contracts.ClientProfile) (P, error)
	// Derive maps a valid payload to completed or underperformed.
	Derive func(p P) contracts.Status
	Render func(in RenderInput) string
}

// Assignment is the kind-agnostic view of an Engine used by the scheduler
// and the submission surfaces.
type Assignment interface {
	Kind() contracts.Kind
	Template() contracts.ScheduledTaskTemplate
	Applicable(client contracts.ClientProfile, date contracts.Date) (bool, error)
	Drop(ctx context.Context, client contracts.ClientProfile, date contracts.Date) (Outcome, error)
	Submit(ctx context.Context, clientID string, date contracts.Date, raw json.RawMessage) (contracts.LogEntry, error)
	CheckDeadline(ctx context.Context, client contracts.ClientProfile, date contracts.Date) (Outcome, error)
}

// Engine is the compliance state machine for one kind.
type Engine[P contracts.Payload] struct {
	spec   Spec[P]
	tmpl   contracts.ScheduledTaskTemplate
	deps   Deps
	schema *jsonschema.Schema
	logger *slog.Logger
	events *slog.Logger
}

var _ Assignment = (*Engine[contracts.CardioPayload])(nil)

// New compiles the kind's schema and predicates.
func New[P contracts.Payload](spec Spec[P], tmpl contracts.ScheduledTaskTemplate, deps Deps) (*Engine[P], error) {
	if tmpl.Kind != spec.Kind {
		return nil, fmt.Errorf("template kind %q does not match engine kind %q", tmpl.Kind, spec.Kind)
	}
	if deps.Store == nil || deps.Ledger == nil || deps.Queue == nil {
		return nil, errors.New("delivery: store, ledger and queue are required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Lease <= 0 {
		deps.Lease = 2 * time.Minute
	}
	if deps.WritePolicy.MaxAttempts == 0 {
		deps.WritePolicy = retry.DefaultWritePolicy()
	}
	if deps.Predicates == nil {
		pe, err := predicate.NewEngine()
		if err != nil {
			return nil, err
		}
		deps.Predicates = pe
	}
	for _, expr := range []string{tmpl.Applicable, tmpl.Refeed} {
		if err := deps.Predicates.Compile(expr); err != nil {
			return nil, fmt.Errorf("template %s: %w", tmpl.Kind, err)
		}
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://regiment.schemas.local/submission/%s.schema.json", spec.Kind)
	if err := c.AddResource(schemaURL, strings.NewReader(spec.Schema)); err != nil {
		return nil, fmt.Errorf("submission schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("submission schema compile failed: %w", err)
	}

	return &Engine[P]{
		spec:   spec,
		tmpl:   tmpl,
		deps:   deps,
		schema: compiled,
		logger: slog.Default().With("component", "delivery", "kind", string(spec.Kind)),
		events: slog.Default().With("component", "event_log"),
	}, nil
}

func (e *Engine[P]) Kind() contracts.Kind { return e.spec.Kind }

func (e *Engine[P]) Template() contracts.ScheduledTaskTemplate { return e.tmpl }

// Applicable evaluates the template predicate for the client's local date.
func (e *Engine[P]) Applicable(client contracts.ClientProfile, date contracts.Date) (bool, error) {
	return e.deps.Predicates.Evaluate(e.tmpl.Applicable, predicate.Vars(client, date))
}

// Drop claims the day's drop key, renders content and hands the send to
// the queue. A key that already reached a terminal state, or that another
// evaluator holds, is reported through the Outcome with a nil error.
func (e *Engine[P]) Drop(ctx context.Context, client contracts.ClientProfile, date contracts.Date) (Outcome, error) {
	key := contracts.DropKey(client.ID, e.spec.Kind, date)
	rec, outcome, err := e.claim(ctx, key)
	if err != nil || outcome != "" {
		return outcome, err
	}

	content, err := e.render(ctx, client, date)
	if err != nil {
		e.release(ctx, key)
		return "", err
	}

	msg := transport.Message{
		ID:        uuid.New().String(),
		Key:       key,
		Recipient: client.ID,
		Kind:      e.spec.Kind,
		Content:   content,
	}
	if err := e.deps.Queue.Enqueue(ctx, retry.Job{Key: key, Message: msg, Attempt: rec.Attempts}); err != nil {
		e.release(ctx, key)
		return "", fmt.Errorf("enqueue %s: %w", key, err)
	}
	e.deps.Telemetry.Dispatched(ctx, key.Task)
	e.logger.InfoContext(ctx, "drop dispatched", "client_id", client.ID, "date", date, "attempts_so_far", rec.Attempts)
	return OutcomeDispatched, nil
}

func (e *Engine[P]) render(ctx context.Context, client contracts.ClientProfile, date contracts.Date) (string, error) {
	in := RenderInput{
		Client:   client,
		Date:     date,
		DayIndex: client.DayIndex(date),
		Target:   client.Target(e.spec.Kind),
	}
	if e.tmpl.Refeed != "" {
		refeed, err := e.deps.Predicates.Evaluate(e.tmpl.Refeed, predicate.Vars(client, date))
		if err != nil {
			return "", fmt.Errorf("refeed predicate: %w", err)
		}
		if refeed {
			state, err := e.deps.Store.GetEscalation(ctx, client.ID)
			if err != nil {
				return "", fmt.Errorf("read escalation state: %w", err)
			}
			in.Refeed = !state.RefeedBlocked
			if state.RefeedBlocked {
				e.logger.InfoContext(ctx, "refeed withheld", "client_id", client.ID, "date", date)
			}
		}
	}
	return e.spec.Render(in), nil
}

// Submit validates a client response and finalizes it. Refusals are written
// to the audit trail as rejected entries and returned as
// *contracts.ValidationError or *contracts.PolicyViolation.
func (e *Engine[P]) Submit(ctx context.Context, clientID string, date contracts.Date, raw json.RawMessage) (_ contracts.LogEntry, err error) {
	ctx, done := e.deps.Telemetry.TrackOperation(ctx, "delivery.submit", attribute.String("kind", string(e.spec.Kind)))
	defer func() { done(err) }()

	client, err := e.deps.Store.GetClient(ctx, clientID)
	if err != nil {
		return contracts.LogEntry{}, fmt.Errorf("submission for %s: %w", clientID, err)
	}
	now := e.deps.Clock().UTC()

	payload, err := e.parse(raw, client, date, now)
	if err != nil {
		e.reject(ctx, client.ID, date, now, err)
		return contracts.LogEntry{}, err
	}

	if existing, gerr := e.deps.Store.GetFinal(ctx, client.ID, e.spec.Kind, date); gerr == nil {
		err = &contracts.PolicyViolation{
			Rule:   "finalized_entry_immutable",
			Detail: fmt.Sprintf("%s %s on %s is already %s", client.ID, e.spec.Kind, date, existing.Status),
		}
		e.reject(ctx, client.ID, date, now, err)
		return contracts.LogEntry{}, err
	} else if !errors.Is(gerr, contracts.ErrNotFound) {
		return contracts.LogEntry{}, gerr
	}

	entry := contracts.LogEntry{
		ID:        uuid.New().String(),
		ClientID:  client.ID,
		Date:      date,
		Timestamp: now,
		Kind:      e.spec.Kind,
		Status:    e.spec.Derive(payload),
		Payload:   payload,
		Finalized: true,
	}
	saved, err := e.finalize(ctx, entry)
	if errors.Is(err, contracts.ErrConflict) {
		err = &contracts.PolicyViolation{
			Rule:   "finalized_entry_immutable",
			Detail: fmt.Sprintf("%s %s on %s was finalized concurrently", client.ID, e.spec.Kind, date),
		}
		e.reject(ctx, client.ID, date, now, err)
		return contracts.LogEntry{}, err
	}
	if err != nil {
		e.quarantine(ctx, entry, raw, err)
		return contracts.LogEntry{}, err
	}
	e.logEvent(ctx, saved)
	return saved, nil
}

func (e *Engine[P]) parse(raw json.RawMessage, client contracts.ClientProfile, date contracts.Date, now time.Time) (P, error) {
	var zero P
	if today := client.Offset.LocalDate(now); date.After(today) {
		return zero, &contracts.ValidationError{Field: "date", Reason: fmt.Sprintf("%s is after the client's local date %s", date, today)}
	}

	if !client.Activated(date) {
		return zero, &contracts.ValidationError{Field: "date", Reason: fmt.Sprintf("%s is before the client's start date %s", date, client.StartDate)}
	}
	applicable, err := e.Applicable(client, date)
	if err != nil {
		return zero, fmt.Errorf("applicability of %s on %s: %w", e.spec.Kind, date, err)
	}
	if !applicable {
		return zero, &contracts.ValidationError{Field: "date", Reason: fmt.Sprintf("no %s assignment on %s", e.spec.Kind, date)}
	}

	var doc any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return zero, &contracts.ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	if err := e.schema.Validate(doc); err != nil {
		return zero, &contracts.ValidationError{Field: "payload", Reason: schemaReason(err)}
	}

	decoded, err := contracts.DecodePayload(e.spec.Kind, raw)
	if err != nil {
		return zero, &contracts.ValidationError{Field: "payload", Reason: err.Error()}
	}
	p, ok := decoded.(P)
	if !ok {
		return zero, &contracts.ValidationError{Field: "payload", Reason: "payload is required"}
	}
	if e.spec.Validate != nil {
		return e.spec.Validate(p, client)
	}
	return p, nil
}

func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation == "" {
			return leaf.Message
		}
		return leaf.InstanceLocation + ": " + leaf.Message
	}
	return err.Error()
}

// CheckDeadline finalizes a missed entry when no response exists. It is
// idempotent through its own ledger key.
func (e *Engine[P]) CheckDeadline(ctx context.Context, client contracts.ClientProfile, date contracts.Date) (Outcome, error) {
	key := contracts.DeadlineKey(client.ID, e.spec.Kind, date)
	_, outcome, err := e.claim(ctx, key)
	if err != nil || outcome != "" {
		return outcome, err
	}

	outcome = OutcomeResponded
	_, err = e.deps.Store.GetFinal(ctx, client.ID, e.spec.Kind, date)
	switch {
	case err == nil:
	case errors.Is(err, contracts.ErrNotFound):
		now := e.deps.Clock().UTC()
		entry := contracts.LogEntry{
			ID:        uuid.New().String(),
			ClientID:  client.ID,
			Date:      date,
			Timestamp: now,
			Kind:      e.spec.Kind,
			Status:    contracts.StatusMissed,
			Finalized: true,
		}
		saved, ferr := e.finalize(ctx, entry)
		switch {
		case ferr == nil:
			outcome = OutcomeMissed
			e.logEvent(ctx, saved)
		case errors.Is(ferr, contracts.ErrConflict):
			// a response landed between the read and the write
		default:
			e.alert(ctx, alert.CodeStoreWrite, client.ID, fmt.Sprintf("missed entry for %s could not be written", key), ferr)
			e.release(ctx, key)
			return "", ferr
		}
	default:
		e.release(ctx, key)
		return "", err
	}

	if err := retry.Do(ctx, e.deps.WritePolicy, key.String(), func(ctx context.Context) error {
		return e.deps.Ledger.MarkSent(ctx, key, 1)
	}); err != nil {
		e.logger.WarnContext(ctx, "deadline check not recorded in ledger", "key", key.String(), "error", err)
	}
	e.deps.Telemetry.Dispatched(ctx, key.Task)
	return outcome, nil
}

// claim takes the ledger key, retrying persistence failures. A non-empty
// Outcome means the key is not ours to act on.
func (e *Engine[P]) claim(ctx context.Context, key contracts.TaskKey) (contracts.DispatchRecord, Outcome, error) {
	var rec contracts.DispatchRecord
	err := retry.Do(ctx, e.deps.WritePolicy, key.String(), func(ctx context.Context) error {
		var cerr error
		rec, cerr = e.deps.Ledger.Claim(ctx, key, e.deps.Lease)
		return cerr
	})
	switch {
	case err == nil:
		return rec, "", nil
	case errors.Is(err, contracts.ErrConflict):
		return rec, OutcomeAlreadyDone, nil
	case errors.Is(err, contracts.ErrLeaseHeld):
		return rec, OutcomeInFlight, nil
	}
	e.alert(ctx, alert.CodeLedgerWrite, key.ClientID, fmt.Sprintf("ledger claim for %s failed; will retry next tick", key), err)
	return rec, "", err
}

func (e *Engine[P]) release(ctx context.Context, key contracts.TaskKey) {
	if err := e.deps.Ledger.Release(ctx, key); err != nil {
		e.logger.WarnContext(ctx, "ledger release failed", "key", key.String(), "error", err)
	}
}

func (e *Engine[P]) finalize(ctx context.Context, entry contracts.LogEntry) (contracts.LogEntry, error) {
	var saved contracts.LogEntry
	err := retry.Do(ctx, e.deps.WritePolicy, entry.ClientID+"/"+string(entry.Kind)+"/"+entry.Date.String(), func(ctx context.Context) error {
		var ferr error
		saved, ferr = e.deps.Store.Finalize(ctx, entry)
		return ferr
	})
	return saved, err
}

func (e *Engine[P]) reject(ctx context.Context, clientID string, date contracts.Date, now time.Time, cause error) {
	entry := contracts.LogEntry{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Date:      date,
		Timestamp: now,
		Kind:      e.spec.Kind,
		Status:    contracts.StatusRejected,
		Reason:    cause.Error(),
	}
	if err := e.deps.Store.AppendRejected(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "rejected submission not audited", "client_id", clientID, "error", err)
	}
	e.logEvent(ctx, entry)
}

// quarantine keeps the raw body of a submission the store could not take.
func (e *Engine[P]) quarantine(ctx context.Context, entry contracts.LogEntry, raw json.RawMessage, cause error) {
	a := alert.New(alert.ClassOperational, alert.CodeQuarantined, entry.ClientID,
		fmt.Sprintf("%s submission for %s quarantined", entry.Kind, entry.Date), e.deps.Clock())
	a.Detail = map[string]string{
		"kind":    string(entry.Kind),
		"date":    entry.Date.String(),
		"payload": string(raw),
		"error":   cause.Error(),
	}
	e.raise(ctx, a)
}

func (e *Engine[P]) alert(ctx context.Context, code, clientID, msg string, cause error) {
	a := alert.New(alert.ClassOperational, code, clientID, msg, e.deps.Clock())
	a.Detail = map[string]string{"error": cause.Error()}
	e.raise(ctx, a)
}

func (e *Engine[P]) raise(ctx context.Context, a alert.Alert) {
	e.deps.Telemetry.AlertRaised(ctx, string(a.Class), a.Code)
	if e.deps.Alerts == nil {
		e.logger.ErrorContext(ctx, a.Message, "code", a.Code)
		return
	}
	if err := e.deps.Alerts.Raise(ctx, a); err != nil {
		e.logger.ErrorContext(ctx, "alert delivery failed", "code", a.Code, "error", err)
	}
}

// logEvent writes the unified event line for a log entry. Infractions and
// rejections log at WARN.
func (e *Engine[P]) logEvent(ctx context.Context, entry contracts.LogEntry) {
	level := slog.LevelInfo
	if entry.Status.Infraction() || entry.Status == contracts.StatusRejected {
		level = slog.LevelWarn
	}
	data, _ := contracts.EncodePayload(entry.Payload)
	attrs := []any{
		"user_id", entry.ClientID,
		"date", entry.Date.String(),
		"timestamp", entry.Timestamp.Format(time.RFC3339),
		"source_engine", string(entry.Kind),
		"status", string(entry.Status),
		"data", string(data),
	}
	if entry.Reason != "" {
		attrs = append(attrs, "reason", entry.Reason)
	}
	e.events.Log(ctx, level, "compliance event", attrs...)
}
