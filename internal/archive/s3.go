// Package archive keeps expiring risk snapshots in object storage so that
// history past the retention horizon can still be audited offline.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mbd888/siterisk/internal/canonical"
	"github.com/mbd888/siterisk/internal/engine"
	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/temporal"
)

// objectAPI is the subset of the S3 client the archiver uses.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket. Endpoint is set for MinIO or LocalStack.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Archiver writes each snapshot as canonical JSON under
// <prefix>/<yyyy>/<mm>/<dd>/<snapshot id>.json.
type S3Archiver struct {
	client objectAPI
	bucket string
	prefix string
}

var _ engine.Archiver = (*S3Archiver)(nil)

// NewS3Archiver loads AWS credentials from the environment.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client objectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for snap.
func (a *S3Archiver) Key(snap *temporal.Snapshot) string {
	return path.Join(a.prefix, snap.At.UTC().Format("2006/01/02"), snap.ID+".json")
}

// Archive uploads snaps. Objects already present are skipped, so a sweep that
// failed half way can simply run again.
func (a *S3Archiver) Archive(ctx context.Context, snaps []*temporal.Snapshot) error {
	written := 0
	for _, snap := range snaps {
		key := a.Key(snap)
		_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			continue
		}
		var nf *types.NotFound
		if !errors.As(err, &nf) {
			return fmt.Errorf("archive: head %s: %w", key, err)
		}

		body, err := canonical.Marshal(snap)
		if err != nil {
			return fmt.Errorf("archive: encode %s: %w", snap.ID, err)
		}
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
			Metadata: map[string]string{
				"snapshot-at": snap.At.UTC().Format("2006-01-02T15:04:05.000Z"),
				"levels":      fmt.Sprint(len(snap.States)),
			},
		})
		if err != nil {
			return fmt.Errorf("archive: put %s: %w", key, err)
		}
		written++
	}
	logging.L(ctx).Info("snapshots archived", "bucket", a.bucket, "written", written, "skipped", len(snaps)-written)
	return nil
}
