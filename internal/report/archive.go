package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"autotrader/internal/config"
	"autotrader/internal/models"
)

// S3Archiver keeps every generated report as a JSON object, so the history
// survives the per-instrument upsert in the database.
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Archiver(ctx context.Context, cfg config.S3ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("report: archive bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("report: archive region is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("report: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		uploader: manager.NewUploader(s3.NewFromConfig(awsCfg, s3Opts...)),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

type archivedReport struct {
	Instrument  string `json:"instrument"`
	Report      string `json:"report"`
	Positions   int    `json:"positions"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
	Breakevens  int    `json:"breakevens"`
	GeneratedAt string `json:"generated_at"`
}

func (a *S3Archiver) Archive(ctx context.Context, item models.PerformanceReport) error {
	body, err := json.Marshal(archivedReport{
		Instrument:  item.Instrument,
		Report:      item.Report,
		Positions:   item.Positions,
		Wins:        item.Wins,
		Losses:      item.Losses,
		Breakevens:  item.Breakevens,
		GeneratedAt: item.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		return err
	}
	key := ObjectKey(a.prefix, item)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("report: archive %s: %w", key, err)
	}
	return nil
}

// ObjectKey is <prefix>/<instrument>/<yyyy>/<mm>/<dd>/<hhmmss>.json in UTC.
func ObjectKey(prefix string, item models.PerformanceReport) string {
	at := item.GeneratedAt.UTC()
	instrument := strings.NewReplacer("/", "_", " ", "_").Replace(item.Instrument)
	return path.Join(
		strings.Trim(prefix, "/"),
		instrument,
		at.Format("2006"), at.Format("01"), at.Format("02"),
		at.Format("150405")+".json",
	)
}
