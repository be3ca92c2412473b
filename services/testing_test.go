package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"etsy-penny/models"
	"etsy-penny/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupStore(t *testing.T) (*storage.EvaluationStore, *testClock) {
	clock := newTestClock()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: clock.Now,
	})
	require.NoError(t, err)

	store := storage.NewEvaluationStore(db, zap.NewNop())
	require.NoError(t, store.Migrate())

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return store, clock
}

func createListing(t *testing.T, store *storage.EvaluationStore) *models.Listing {
	listing := &models.Listing{UserID: "user-1", ImageRef: "uploads/poster.png", Theme: "Boho", Niche: "Wall Art"}
	require.NoError(t, store.CreateListing(context.Background(), listing))
	return listing
}

// batchedOutput ist eine gebündelte Worker-Ausgabe für balanced und sniper.
const batchedOutput = `{
	"results": {
		"balanced": {
			"strength": 72, "visibility": 70, "relevance": 75,
			"parameters": {"volume": 0.3, "competition": 0.2, "transaction": 0.2, "niche": 0.2, "cpc": 0.1},
			"keywords": [
				{"keyword": "boho print", "search_volume": 1200, "competition": 0.4, "opportunity_score": 77},
				{"keyword": "wall art", "search_volume": 900, "competition": 0.7, "opportunity_score": 50},
				{"keyword": "gift idea", "search_volume": 300, "competition": "low", "opportunity_score": 20}
			]
		},
		"sniper": {
			"strength": 88,
			"keywords": [
				{"keyword": "sage boho nursery print", "search_volume": 140, "competition": 0.1, "opportunity_score": 91}
			]
		}
	}
}`

func mustParse(t *testing.T, raw string) *JobOutput {
	out, err := ParseJobOutput([]byte(raw))
	require.NoError(t, err)
	return out
}
