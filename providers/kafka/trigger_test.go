package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"etsy-penny/providers"
)

func TestTrigger_MissingListingIDIsNotSent(t *testing.T) {
	trigger := NewTrigger([]string{"127.0.0.1:1"}, "seo-jobs", zap.NewNop())
	defer trigger.Close()

	err := trigger.Trigger(context.Background(), providers.Job{ID: "job-1", Action: providers.ActionResetPool})
	require.ErrorIs(t, err, providers.ErrMissingListingID)

	var terr *providers.TransportError
	assert.False(t, errors.As(err, &terr), "validation fails before the broker is contacted")
	assert.Zero(t, trigger.writer.Stats().Writes)
}

func TestTrigger_UnreachableBrokerIsTransportError(t *testing.T) {
	trigger := NewTrigger([]string{"127.0.0.1:1"}, "seo-jobs", zap.NewNop())
	defer trigger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := trigger.Trigger(ctx, providers.Job{
		ID:        "job-1",
		Action:    providers.ActionGenerateSEO,
		ListingID: "listing-1",
		Payload:   providers.Payload{Modes: []string{"balanced"}},
	})
	require.Error(t, err)

	var terr *providers.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "kafka", terr.Transport)
	assert.Equal(t, providers.ActionGenerateSEO, terr.Action)
	assert.Equal(t, "listing-1", terr.ListingID)
	assert.True(t, terr.Retryable())
	assert.NotNil(t, errors.Unwrap(err))
}

func TestTrigger_Name(t *testing.T) {
	trigger := NewTrigger([]string{"127.0.0.1:9092"}, "seo-jobs", zap.NewNop())
	defer trigger.Close()
	assert.Equal(t, "kafka", trigger.Name())
}
