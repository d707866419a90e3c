package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go-source/local"

	"fundingflow/config"
)

const uploadTimeout = 2 * time.Minute

// Destination stores archive objects under slash-separated keys.
type Destination interface {
	Name() string
	// Put stores data under key and returns the object's location.
	Put(ctx context.Context, key string, data []byte, meta map[string]string) (string, error)
}

// Uploader is the S3 call the archive needs; *s3.Client implements it.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Destination struct {
	client Uploader
	bucket string
}

func NewS3Destination(client Uploader, bucket string) *S3Destination {
	return &S3Destination{client: client, bucket: bucket}
}

// NewS3Client builds an S3 client from static credentials when both keys
// are configured, otherwise from the default AWS chain.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func (d *S3Destination) Name() string { return "s3" }

func (d *S3Destination) Put(ctx context.Context, key string, data []byte, meta map[string]string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(key)),
		Metadata:    meta,
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	if _, err := d.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", d.bucket, key), nil
}

// LocalDestination writes objects below a directory, mirroring the key
// layout used in S3.
type LocalDestination struct {
	dir string
}

func NewLocalDestination(dir string) *LocalDestination {
	return &LocalDestination{dir: dir}
}

func (d *LocalDestination) Name() string { return "local" }

func (d *LocalDestination) Put(ctx context.Context, key string, data []byte, meta map[string]string) (string, error) {
	path := filepath.Join(d.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := fw.Write(data); err != nil {
		fw.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

func contentType(key string) string {
	if filepath.Ext(key) == ".json" {
		return "application/json"
	}
	return "application/octet-stream"
}
