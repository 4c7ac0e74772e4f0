// Package archive pushes rotated namespace changelog segments to an
// S3-compatible bucket for off-box durability (spec §4.5 compaction).
// Master compaction renames the live changelog aside to a
// "<path>.<epoch>" file on commit; Archiver uploads that file and
// leaves the local copy in place for local recovery.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/stratafs/mgm/pkg/errors"
	"github.com/stratafs/mgm/pkg/retry"
	"github.com/stratafs/mgm/pkg/utils"
)

// Config carries the archive bucket and CargoShip transfer tunables.
type Config struct {
	Bucket             string
	Prefix             string // key prefix under Bucket, e.g. "changelog/"
	Region             string
	Endpoint           string
	ForcePathStyle     bool
	MultipartThreshold int64
	MultipartChunkSize int64
	Concurrency        int
}

// DefaultConfig matches the teacher's CargoShip defaults for durable
// bulk uploads.
func DefaultConfig() Config {
	return Config{
		Prefix:             "changelog/",
		MultipartThreshold: 64 << 20,
		MultipartChunkSize: 16 << 20,
		Concurrency:        4,
	}
}

// Archiver uploads compacted changelog files to S3, preferring
// CargoShip's optimized transporter and falling back to a plain
// PutObject when CargoShip declines the upload.
type Archiver struct {
	cfg         Config
	client      *s3.Client
	transporter *cargoships3.Transporter
	retryer     *retry.Retryer
	logger      *utils.StructuredLogger
}

// New builds an Archiver against cfg. A nil logger installs a default
// one.
func New(ctx context.Context, cfg Config, logger *utils.StructuredLogger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("changelog archive: bucket name required")
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("changelog archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	cargoCfg := awsconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       awsconfig.StorageClassIntelligentTiering,
		MultipartThreshold: cfg.MultipartThreshold,
		MultipartChunkSize: cfg.MultipartChunkSize,
		Concurrency:        cfg.Concurrency,
	}
	transporter := cargoships3.NewTransporter(client, cargoCfg)

	return &Archiver{cfg: cfg, client: client, transporter: transporter, retryer: retry.New(retry.DefaultConfig()), logger: logger}, nil
}

// Archive uploads localPath (a compacted "<path>.<epoch>" changelog
// segment) to the configured bucket under Prefix+epoch's base name.
// The local file is left untouched; nothing in this module deletes
// local segments.
func (a *Archiver) Archive(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("changelog archive: read %s: %w", localPath, err)
	}
	key := a.cfg.Prefix + filepath.Base(localPath)

	if a.transporter != nil {
		result, uploadErr := a.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassIntelligentTiering,
			Metadata: map[string]string{
				"mgm-changelog-segment": filepath.Base(localPath),
			},
		})
		if uploadErr == nil {
			a.logger.Debug("changelog segment archived", map[string]interface{}{
				"key": key, "bytes": len(data), "throughput": result.Throughput,
			})
			return nil
		}
		a.logger.Warn("cargoship upload failed, falling back to plain PutObject", map[string]interface{}{
			"key": key, "error": uploadErr.Error(),
		})
	}

	err = a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, putErr := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.cfg.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if putErr != nil {
			return errors.NewError(errors.ErrCodeConnectionFailed, "changelog archive upload failed").WithCause(putErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("changelog archive: put %s: %w", key, err)
	}
	return nil
}

// Fetch downloads a previously archived segment into w, for disaster
// recovery when the local copy has been pruned.
func (a *Archiver) Fetch(ctx context.Context, baseName string, w io.Writer) error {
	key := a.cfg.Prefix + baseName
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("changelog archive: get %s: %w", key, err)
	}
	defer out.Body.Close()
	_, err = io.Copy(w, out.Body)
	return err
}
