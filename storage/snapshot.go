package storage

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"etsy-penny/models"
)

// Snapshot ist ein vollständiger Export aller Analyse-Ergebnisse.
type Snapshot struct {
	TakenAt      time.Time            `json:"taken_at"`
	Listings     []models.Listing     `json:"listings"`
	Evaluations  []models.Evaluation  `json:"evaluations"`
	KeywordStats []models.KeywordStat `json:"keyword_stats"`
}

// Export liest alle Listings, Evaluations und KeywordStats.
func (s *EvaluationStore) Export(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: s.DB.NowFunc()}
	db := s.DB.WithContext(ctx)
	if err := db.Order("created_at").Find(&snap.Listings).Error; err != nil {
		return nil, s.fail("export", err)
	}
	if err := db.Order("listing_id, seo_mode").Find(&snap.Evaluations).Error; err != nil {
		return nil, s.fail("export", err)
	}
	if err := db.Order("listing_id, is_competition, evaluation_id, tag").Find(&snap.KeywordStats).Error; err != nil {
		return nil, s.fail("export", err)
	}
	return snap, nil
}

// WriteSnapshot schreibt den Snapshot als gzip-komprimiertes JSON.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		return err
	}
	return gz.Close()
}

// ReadSnapshot ist das Gegenstück zu WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	var snap Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ObjectLister ist der Teil des S3-Clients, den die Rotation braucht.
type ObjectLister interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// RotateObjects behält unter prefix nur die keep neuesten Objekte; ein negatives keep zählt als 0.
// Fehler beim Löschen einzelner Objekte werden geloggt, nicht zurückgegeben.
func RotateObjects(ctx context.Context, client ObjectLister, bucket, prefix string, keep int, logger *zap.Logger) ([]string, error) {
	keep = max(keep, 0)

	var objects []types.Object
	pages := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}

	if len(objects) <= keep {
		logger.Info("Keine Rotation nötig", zap.Int("objects", len(objects)), zap.Int("keep", keep))
		return nil, nil
	}

	sort.Slice(objects, func(i, j int) bool {
		a, b := objects[i].LastModified, objects[j].LastModified
		if a == nil || b == nil {
			return strings.Compare(aws.ToString(objects[i].Key), aws.ToString(objects[j].Key)) > 0
		}
		return a.After(*b)
	})

	var deleted []string
	for _, obj := range objects[keep:] {
		key := aws.ToString(obj.Key)
		logger.Info("Lösche alten Snapshot", zap.String("key", key))
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    obj.Key,
		})
		if err != nil {
			logger.Error("Löschen fehlgeschlagen", zap.String("key", key), zap.Error(err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, nil
}
