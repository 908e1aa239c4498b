// Package report archives finished sampling runs as JSON documents.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fieldcall-sampling/internal/config"
	"fieldcall-sampling/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Publisher writes run reports to S3 when a bucket is configured, otherwise to a local directory.
type Publisher struct {
	up     uploader
	logger *slog.Logger
	Now    func() time.Time
}

// document is the archived shape of a run.
type document struct {
	Run         models.SamplingRun `json:"run"`
	DurationSec float64            `json:"duration_seconds,omitempty"`
	PublishedAt time.Time          `json:"published_at"`
}

// NewPublisher chooses an uploader from config.
func NewPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{logger: logger, Now: func() time.Time { return time.Now().UTC() }}
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.up = &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}
		return p, nil
	}
	baseDir := cfg.ReportOutputDir
	if baseDir == "" {
		baseDir = "./reports"
	}
	p.up = &localUploader{baseDir: baseDir}
	return p, nil
}

// NewLocalPublisher writes reports under baseDir.
func NewLocalPublisher(baseDir string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		up:     &localUploader{baseDir: baseDir},
		logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

// Key returns the object key a run is archived under.
func Key(run models.SamplingRun) string {
	return fmt.Sprintf("sampling-runs/%s/%s.json", run.StartedAt.UTC().Format("2006/01/02"), run.ID)
}

// PublishRun uploads the run document and logs where it landed.
func (p *Publisher) PublishRun(ctx context.Context, run models.SamplingRun) error {
	doc := document{Run: run, PublishedAt: p.Now()}
	if run.FinishedAt != nil {
		doc.DurationSec = run.FinishedAt.Sub(run.StartedAt).Seconds()
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	location, err := p.up.Upload(ctx, Key(run), body, "application/json")
	if err != nil {
		return fmt.Errorf("upload run report: %w", err)
	}
	p.logger.Info("run report published", "run_id", run.ID, "location", location)
	return nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
