package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const unknownItem = "_unknown"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// Options configures the S3 webhook archive
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string // set for MinIO or other S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes raw webhook bodies to
// <prefix>/yyyy/mm/dd/<item>/<uuid>.json for replay and audit.
type S3Archive struct {
	client putObjectAPI
	bucket string
	prefix string
	newID  func() string
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

func NewS3Archive(ctx context.Context, opts Options) (*S3Archive, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	log.Printf("Webhook archive: writing to s3://%s/%s", opts.Bucket, opts.Prefix)
	return newS3Archive(client, opts.Bucket, opts.Prefix), nil
}

func newS3Archive(client putObjectAPI, bucket, prefix string) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		prefix: prefix,
		newID:  uuid.NewString,
	}
}

// Archive stores raw and returns the object key.
func (a *S3Archive) Archive(ctx context.Context, itemID string, raw []byte, receivedAt time.Time) (string, error) {
	key := a.key(itemID, receivedAt)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"item-id":     itemID,
			"received-at": receivedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive webhook for item %s: %w", itemID, err)
	}

	return key, nil
}

func (a *S3Archive) key(itemID string, receivedAt time.Time) string {
	item := unsafeKeyChars.ReplaceAllString(itemID, "_")
	if item == "" {
		item = unknownItem
	}
	return path.Join(a.prefix, receivedAt.UTC().Format("2006/01/02"), item, a.newID()+".json")
}
