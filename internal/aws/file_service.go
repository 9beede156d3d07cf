package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"projectsync/internal/model"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// FileService stores job reports in S3
type FileService interface {
	UploadFile(ctx context.Context, key string, body io.Reader) (string, error)
	ArchiveReport(ctx context.Context, job *model.Job) error
	TestConnection(ctx context.Context) error
}

type fileService struct {
	s3     *s3.Client
	bucket string
	region string
}

func NewFileService(ctx context.Context, accessKey, secretKey, bucketName, region string) (FileService, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	// static keys when configured, otherwise the default provider chain
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}, nil
			},
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &fileService{
		s3:     s3.NewFromConfig(cfg),
		bucket: bucketName,
		region: region,
	}, nil
}

func (s *fileService) UploadFile(ctx context.Context, key string, body io.Reader) (string, error) {
	uploader := manager.NewUploader(s.s3)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// JobReport is the archived summary of a job run
type JobReport struct {
	Job         *model.Job         `json:"job"`
	Progress    float64            `json:"progress"`
	Remaining   int64              `json:"remaining"`
	DurationSec float64            `json:"duration_seconds"`
	Errors      []model.ErrorEntry `json:"errors"`
	ArchivedAt  time.Time          `json:"archived_at"`
}

// ReportKey is the object key of a job's report
func ReportKey(job *model.Job) string {
	return fmt.Sprintf("reports/%s/%s.json", job.Source, job.ID)
}

// NewJobReport snapshots the job with its derived progress fields
func NewJobReport(job *model.Job) JobReport {
	return JobReport{
		Job:         job,
		Progress:    job.ProgressPercentage(),
		Remaining:   job.RemainingCount(),
		DurationSec: job.Duration().Seconds(),
		Errors:      job.Errors.Entries(),
		ArchivedAt:  time.Now().UTC(),
	}
}

// ArchiveReport uploads the job report, overwriting the report of an earlier run of the same job
func (s *fileService) ArchiveReport(ctx context.Context, job *model.Job) error {
	body, err := json.Marshal(NewJobReport(job))
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	url, err := s.UploadFile(ctx, ReportKey(job), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload report for job %s: %w", job.ID, err)
	}

	log.Info().
		Str("jobId", job.ID).
		Str("status", string(job.Status)).
		Str("url", url).
		Int("size", len(body)).
		Msg("Archived job report")
	return nil
}

func (s *fileService) TestConnection(ctx context.Context) error {
	_, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String("reports/"),
		MaxKeys: aws.Int32(1),
	})
	log.Err(err).Str("bucket", s.bucket).Msg("AWS S3 Test Connection")

	return err
}
