package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "regiment", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled())

	cfg.OTLPEndpoint = "localhost:4317"
	assert.True(t, cfg.Enabled())
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, done := p.TrackOperation(context.Background(), "tick", attribute.String("client_id", "c1"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	p.Dispatched(ctx, "fuel")
	p.Skipped(ctx, "paused")
	p.SendResult(ctx, "cardio", 1, nil)
	p.SendResult(ctx, "cardio", 2, errors.New("timeout"))
	p.Exhausted(ctx, "cardio")
	p.AlertRaised(ctx, "operational", "send_exhausted")
	p.FlagRaised(ctx, "soft_compliance")

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "scan")
	done(nil)

	p.Dispatched(ctx, "fuel")
	p.Skipped(ctx, "pre_activation")
	p.SendResult(ctx, "fuel", 1, nil)
	p.Exhausted(ctx, "fuel")
	p.AlertRaised(ctx, "coach", "private_warning")
	p.FlagRaised(ctx, "grit_violation")
	assert.NoError(t, p.Shutdown(context.Background()))
}
