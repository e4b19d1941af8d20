package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/enclaved-org/enclaved/interfaces"
)

// S3Store implements an archive backend on Amazon S3 or a compatible
// service. Reads use an anonymous client so public archives work without
// credentials; writes require an access key pair.
type S3Store struct {
	client      *s3.S3
	writeClient *s3.S3
	bucket      string
	prefix      string
	log         *slog.Logger
}

// NewS3Store creates an S3 archive backend. If accessKey and secretKey
// are empty the store is effectively read-only.
func NewS3Store(bucket, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	baseCfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		baseCfg.Endpoint = aws.String(endpoint)
		baseCfg.S3ForcePathStyle = aws.Bool(true)
	}

	baseSess, err := session.NewSession(&baseCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	readClient := s3.New(baseSess)

	writeClient := readClient
	if accessKey != "" && secretKey != "" {
		writeCfg := baseCfg.Copy()
		writeCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")

		writeSess, err := session.NewSession(writeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS write session: %w", err)
		}
		writeClient = s3.New(writeSess)
	} else {
		log.Warn("No S3 credentials provided, archive writes may fail")
	}

	return &S3Store{
		client:      readClient,
		writeClient: writeClient,
		bucket:      bucket,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
	}, nil
}

func (s *S3Store) keyFor(id string) string {
	return path.Join(s.prefix, "envelopes", id+".json")
}

// Put stores the serialized envelope under its id.
func (s *S3Store) Put(ctx context.Context, id string, data []byte) error {
	start := time.Now()
	key := s.keyFor(id)

	_, err := s.writeClient.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.log.Error("Failed to put envelope to S3",
			slog.String("id", id),
			slog.String("bucket", s.bucket),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("failed to put object to S3: %w", err)
	}

	s.log.Debug("Archived envelope to S3",
		slog.String("id", id),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Get retrieves a previously archived envelope by id.
func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	key := s.keyFor(id)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, interfaces.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	return data, nil
}

// Available checks the bucket is reachable.
func (s *S3Store) Available(ctx context.Context) bool {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		s.log.Debug("S3 archive unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a short identifier for logging.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucket)
}
