package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"forestline/internal/config"
)

const contentType = "application/json"

// Sink stores an exported document and reports where it went.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Marshal renders a document verbatim as indented JSON.
func Marshal(doc any) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return append(data, '\n'), nil
}

// Key names an export object, e.g. worksheets/ws-1.json.
func Key(kind, id string) string {
	return path.Join(kind, sanitize(id)+".json")
}

func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(id)
}

// Write marshals doc and stores it under Key(kind, id).
func Write(ctx context.Context, sink Sink, kind, id string, doc any) (string, error) {
	data, err := Marshal(doc)
	if err != nil {
		return "", err
	}
	return sink.Put(ctx, Key(kind, id), data)
}

// WriterSink copies documents to a stream, typically stdout.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Put(_ context.Context, _ string, data []byte) (string, error) {
	if _, err := s.W.Write(data); err != nil {
		return "", err
	}
	return "-", nil
}

// DirSink writes documents below Root.
type DirSink struct {
	Root string
}

func (s DirSink) Put(_ context.Context, key string, data []byte) (string, error) {
	target := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an S3 sink from the export section. Credentials come from the
// default AWS chain; opts may adjust the client.
func NewS3(ctx context.Context, cfg config.Export, opts ...func(*s3.Options)) (*S3Sink, error) {
	if cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.S3.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return newS3FromConfig(awsCfg, cfg, opts...), nil
}

func newS3FromConfig(awsCfg aws.Config, cfg config.Export, opts ...func(*s3.Options)) *S3Sink {
	client := s3.NewFromConfig(awsCfg, append([]func(*s3.Options){func(o *s3.Options) {
		if cfg.S3.UsePathStyle {
			o.UsePathStyle = true
		}
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
	}}, opts...)...)
	return &S3Sink{client: client, bucket: cfg.S3.Bucket, prefix: cfg.S3.Prefix}
}

func (s *S3Sink) Put(ctx context.Context, key string, data []byte) (string, error) {
	objectKey := s.prefix + key
	ct := contentType
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &objectKey,
		Body:        bytes.NewReader(data),
		ContentType: &ct,
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	return "s3://" + s.bucket + "/" + objectKey, nil
}

// Open selects the configured sink. The fs driver resolves a relative
// directory against workspace.
func Open(ctx context.Context, cfg config.Export, workspace string) (Sink, error) {
	switch cfg.Driver {
	case "", "fs":
		dir := cfg.Directory
		if dir == "" {
			dir = "exports"
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workspace, dir)
		}
		return DirSink{Root: dir}, nil
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown export driver %s", cfg.Driver)
	}
}
