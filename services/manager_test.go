package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"etsy-penny/models"
	"etsy-penny/storage"
)

func TestSessionManager_ReopenTearsDownPrevious(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	feed := newFakeFeed()

	m := NewSessionManager(SessionDeps{
		Store:            store,
		Trigger:          &fakeTrigger{},
		Feed:             feed,
		Logger:           zap.NewNop(),
		PollInterval:     time.Hour,
		CompletionStatus: models.StatusSEODone,
		Now:              clock.Now,
	}, models.ModeBalanced)
	defer m.CloseAll()

	first, err := m.Session(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeBalanced, first.Views().Mode)

	same, err := m.Session(ctx, listing.ID)
	require.NoError(t, err)
	assert.Same(t, first, same)

	_, err = first.Analyze(ctx, AnalyzeInput{Theme: "Boho"})
	require.NoError(t, err)

	second, err := m.Open(ctx, listing.ID, models.ModeSniper)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Nil(t, first.Pending(), "the previous session dropped its job")
	assert.True(t, feed.isUnsubscribed())
	assert.Equal(t, models.ModeSniper, second.Views().Mode)

	got, ok := m.Get(listing.ID)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, m.Close(listing.ID))
	assert.False(t, m.Close(listing.ID))
	_, ok = m.Get(listing.ID)
	assert.False(t, ok)
}

func TestSessionManager_UnknownListing(t *testing.T) {
	store, _ := setupStore(t)
	m := NewSessionManager(SessionDeps{Store: store, Trigger: &fakeTrigger{}, Logger: zap.NewNop(), PollInterval: time.Hour}, models.ModeBalanced)

	_, err := m.Session(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, storage.ErrListingNotFound)
}
