package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"etsy-penny/config"
	"etsy-penny/storage"
)

type SnapshotConfig struct {
	Bucket        string `envconfig:"SNAPSHOT_S3_BUCKET"`
	Prefix        string `envconfig:"SNAPSHOT_PREFIX" default:"snapshots/"`
	KeepSnapshots int    `envconfig:"KEEP_SNAPSHOTS" default:"4"`
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()
	logging.Info("Starte Snapshot-Export...")

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Fehler beim Laden der Konfiguration", zap.Error(err))
	}
	var snapCfg SnapshotConfig
	if err := envconfig.Process("", &snapCfg); err != nil {
		logging.Fatal("Fehler beim Laden der Snapshot-Konfiguration", zap.Error(err))
	}
	if snapCfg.Bucket == "" {
		snapCfg.Bucket = cfg.S3Bucket
	}
	if !cfg.S3Enabled() {
		logging.Fatal("S3 ist nicht konfiguriert (S3_ENDPOINT, S3_BUCKET, S3_KEY)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// 1. Ergebnisse exportieren
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Datenbankverbindung fehlgeschlagen", zap.Error(err))
	}
	store := storage.NewEvaluationStore(db, logging)
	snap, err := store.Export(ctx)
	if err != nil {
		logging.Fatal("Export fehlgeschlagen", zap.Error(err))
	}

	var buf bytes.Buffer
	if err := storage.WriteSnapshot(&buf, snap); err != nil {
		logging.Fatal("Komprimieren fehlgeschlagen", zap.Error(err))
	}

	// 2. Nach S3 hochladen
	s3Client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		logging.Fatal("Fehler beim Erstellen des S3-Clients", zap.Error(err))
	}
	key := fmt.Sprintf("%ssnapshot-%s.json.gz", snapCfg.Prefix, snap.TakenAt.UTC().Format("2006-01-02T15-04-05Z"))
	url, err := storage.UploadFile(ctx, s3Client, cfg.S3Endpoint, snapCfg.Bucket, key, buf.Bytes())
	if err != nil {
		logging.Fatal("Fehler beim Hochladen nach S3", zap.Error(err))
	}
	logging.Info("Snapshot hochgeladen",
		zap.String("url", url),
		zap.Int("listings", len(snap.Listings)),
		zap.Int("evaluations", len(snap.Evaluations)),
		zap.Int("keyword_stats", len(snap.KeywordStats)),
	)

	// 3. Alte Snapshots rotieren
	deleted, err := storage.RotateObjects(ctx, s3Client, snapCfg.Bucket, snapCfg.Prefix, snapCfg.KeepSnapshots, logging)
	if err != nil {
		logging.Fatal("Fehler bei der Rotation alter Snapshots", zap.Error(err))
	}
	logging.Info("Snapshot-Export erfolgreich abgeschlossen", zap.Int("rotated", len(deleted)))
}
