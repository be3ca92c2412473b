package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"etsy-penny/models"
)

// RedisChangeFeed verteilt Änderungen an Listing-Zeilen über Redis Pub/Sub.
// Pro Listing gibt es einen eigenen Kanal.
type RedisChangeFeed struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisChangeFeed verbindet sich mit Redis und prüft die Verbindung.
func NewRedisChangeFeed(ctx context.Context, addr, password string, db int, prefix string, logger *zap.Logger) (*RedisChangeFeed, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	logger.Info("Connected to Redis", zap.String("addr", addr))

	return &RedisChangeFeed{rdb: rdb, prefix: prefix, logger: logger}, nil
}

// Channel gibt den Pub/Sub-Kanal eines Listings zurück.
func (f *RedisChangeFeed) Channel(listingID string) string {
	return f.prefix + listingID
}

// Publish meldet eine Änderung an alle Abonnenten des Listings.
func (f *RedisChangeFeed) Publish(ctx context.Context, change models.ListingChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.Channel(change.ListingID), payload).Err()
}

// Subscribe abonniert die Änderungen eines Listings. Der zurückgegebene Kanal wird
// geschlossen, sobald unsubscribe aufgerufen oder ctx beendet wird.
func (f *RedisChangeFeed) Subscribe(ctx context.Context, listingID string) (<-chan models.ListingChange, func(), error) {
	ps := f.rdb.Subscribe(ctx, f.Channel(listingID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", f.Channel(listingID), err)
	}

	log := f.logger.With(zap.String("listing_id", listingID))
	out := make(chan models.ListingChange, 8)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var change models.ListingChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Warn("Ungültige Listing-Benachrichtigung verworfen", zap.Error(err))
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	unsubscribe := func() { _ = ps.Close() }
	return out, unsubscribe, nil
}

// Close schließt die Redis-Verbindung.
func (f *RedisChangeFeed) Close() error {
	return f.rdb.Close()
}
