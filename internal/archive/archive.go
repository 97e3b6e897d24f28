// Package archive copies historic batches to object storage before the
// history cleanup removes their rows.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"process-engine/internal/config"
	"process-engine/internal/models"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads historic batches as JSON objects.
type S3 struct {
	client s3API
	bucket string
	prefix string
	log    *zap.Logger
}

// NewS3 builds an archiver from configuration. A custom endpoint
// supports MinIO and localstack in development.
func NewS3(ctx context.Context, cfg config.Config, log *zap.Logger) (*S3, error) {
	if cfg.ArchiveBucket == "" {
		return nil, fmt.Errorf("archive bucket is not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &S3{client: client, bucket: cfg.ArchiveBucket, prefix: cfg.ArchiveKeyPrefix, log: log}, nil
}

// ArchiveHistoricBatch writes one historic batch under
// <prefix>/<end date>/<batch id>.json.
func (s *S3) ArchiveHistoricBatch(ctx context.Context, hb models.HistoricBatch) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal historic batch %s: %w", hb.ID, err)
	}
	key := fmt.Sprintf("%s/%s/%s.json", s.prefix, hb.EndTime.Format("2006-01-02"), hb.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload historic batch %s: %w", hb.ID, err)
	}
	s.log.Debug("historic batch archived", zap.String("batch_id", hb.ID), zap.String("key", key))
	return nil
}
