package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"etsy-penny/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client erstellt einen S3-Client für den konfigurierten S3-kompatiblen Storage.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		o.UsePathStyle = true
	}), nil
}

// UploadFile lädt eine Datei ins S3 hoch und gibt den Link zurück.
func UploadFile(ctx context.Context, client *s3.Client, endpoint, bucket, key string, data []byte) (string, error) {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), bucket, key), nil
}

// ImageURLs löst Bildreferenzen eines Listings in URLs auf, die der Worker abrufen kann.
// Referenzen, die bereits http(s)-URLs sind, werden unverändert durchgereicht.
type ImageURLs struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewImageURLs erstellt einen Resolver für Bildreferenzen.
func NewImageURLs(client *s3.Client, bucket string, ttl time.Duration) *ImageURLs {
	return &ImageURLs{presign: s3.NewPresignClient(client), bucket: bucket, ttl: ttl}
}

// Resolve gibt eine abrufbare URL für ref zurück.
func (u *ImageURLs) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	key := strings.TrimPrefix(ref, "s3://"+u.bucket+"/")
	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(u.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
