package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/transport"
)

// Registry maps each configured kind to its engine.
type Registry struct {
	order []contracts.Kind
	byKey map[contracts.Kind]Assignment
}

// Build instantiates one engine per template.
func Build(templates []contracts.ScheduledTaskTemplate, deps Deps) (*Registry, error) {
	r := &Registry{byKey: make(map[contracts.Kind]Assignment, len(templates))}
	for _, tmpl := range templates {
		if _, dup := r.byKey[tmpl.Kind]; dup {
			return nil, fmt.Errorf("duplicate template for kind %q", tmpl.Kind)
		}
		a, err := newAssignment(tmpl, deps)
		if err != nil {
			return nil, err
		}
		r.byKey[tmpl.Kind] = a
		r.order = append(r.order, tmpl.Kind)
	}
	return r, nil
}

func newAssignment(tmpl contracts.ScheduledTaskTemplate, deps Deps) (Assignment, error) {
	switch tmpl.Kind {
	case contracts.KindFuel:
		return New(FuelSpec(), tmpl, deps)
	case contracts.KindTraining:
		return New(TrainingSpec(), tmpl, deps)
	case contracts.KindCardio:
		return New(CardioSpec(), tmpl, deps)
	case contracts.KindCheckin:
		return New(CheckinSpec(), tmpl, deps)
	}
	return nil, fmt.Errorf("no engine for kind %q", tmpl.Kind)
}

// All returns the engines in template order.
func (r *Registry) All() []Assignment {
	out := make([]Assignment, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// Get returns the engine for kind.
func (r *Registry) Get(kind contracts.Kind) (Assignment, bool) {
	a, ok := r.byKey[kind]
	return a, ok
}

// Submit routes a submission to its kind's engine.
func (r *Registry) Submit(ctx context.Context, clientID string, kind contracts.Kind, date contracts.Date, raw json.RawMessage) (contracts.LogEntry, error) {
	a, ok := r.byKey[kind]
	if !ok {
		return contracts.LogEntry{}, &contracts.ValidationError{Field: "kind", Reason: fmt.Sprintf("no assignment of kind %q is configured", kind)}
	}
	return a.Submit(ctx, clientID, date, raw)
}

// Handle adapts Submit to a transport.Handler. Refused submissions are
// acknowledged; only retryable failures leave the message pending.
func (r *Registry) Handle(ctx context.Context, in transport.Inbound) error {
	_, err := r.Submit(ctx, in.ClientID, in.Kind, in.Date, in.Payload)
	if err != nil && !contracts.IsRetryable(err) {
		return nil
	}
	return err
}
