// Package objstore implements the artifact store over S3-compatible object
// storage (AWS S3, MinIO, anything honoring the same API).
package objstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// putDirConcurrency bounds parallel uploads during directory mirroring.
const putDirConcurrency = 4

// Store satisfies domain.ObjectStore over a single bucket.
type Store struct {
	client s3iface.S3API
	bucket string
}

// New builds a Store from the worker configuration. A custom endpoint plus
// path-style addressing covers MinIO and other S3 clones.
func New(cfg config.Config) (*Store, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.S3Region).
		WithS3ForcePathStyle(cfg.S3ForcePathStyle)
	if cfg.S3Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.S3Endpoint)
	}
	if cfg.S3AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("op=objstore.New: %w", err)
	}
	return &Store{client: s3.New(sess), bucket: cfg.S3Bucket}, nil
}

// NewWithClient wires an existing client, used by tests and by callers that
// manage their own session.
func NewWithClient(client s3iface.S3API, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Put uploads body under key and returns the canonical s3:// URI.
func (s *Store) Put(ctx domain.Context, key string, body []byte, contentType string) (string, error) {
	tracer := otel.Tracer("objstore.s3")
	ctx, span := tracer.Start(ctx, "objstore.Put")
	defer span.End()
	span.SetAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
	)
	if contentType == "" {
		contentType = contentTypeFor(key, body)
	}
	op := func() error {
		_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(contentType),
		})
		return err
	}
	if err := backoff.Retry(op, config.TransientBackoff(ctx)); err != nil {
		return "", fmt.Errorf("op=objstore.put: %w", err)
	}
	return s.URIFor(key), nil
}

// Get downloads the object at key.
func (s *Store) Get(ctx domain.Context, key string) ([]byte, error) {
	tracer := otel.Tracer("objstore.s3")
	ctx, span := tracer.Start(ctx, "objstore.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
	)
	var data []byte
	op := func() error {
		out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var ae awserr.Error
			if errors.As(err, &ae) && ae.Code() == s3.ErrCodeNoSuchKey {
				return backoff.Permanent(domain.ErrNotFound)
			}
			return err
		}
		defer func() { _ = out.Body.Close() }()
		data, err = io.ReadAll(out.Body)
		return err
	}
	if err := backoff.Retry(op, config.TransientBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("op=objstore.get: %w", err)
	}
	return data, nil
}

// Exists reports whether key is present without downloading it.
func (s *Store) Exists(ctx domain.Context, key string) (bool, error) {
	var found bool
	op := func() error {
		_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var rf awserr.RequestFailure
			if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
				return nil
			}
			var ae awserr.Error
			if errors.As(err, &ae) && (ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound") {
				return nil
			}
			return err
		}
		found = true
		return nil
	}
	if err := backoff.Retry(op, config.TransientBackoff(ctx)); err != nil {
		return false, fmt.Errorf("op=objstore.exists: %w", err)
	}
	return found, nil
}

// PresignGet returns a time-limited download URL for key.
func (s *Store) PresignGet(key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	u, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("op=objstore.presign_get: %w", err)
	}
	return u, nil
}

// PutDirectory mirrors localDir under keyPrefix and returns the uploaded
// URIs sorted. Uploads run a few at a time; the first failure wins and the
// rest still drain.
func (s *Store) PutDirectory(ctx domain.Context, localDir, keyPrefix string) ([]string, error) {
	tracer := otel.Tracer("objstore.s3")
	ctx, span := tracer.Start(ctx, "objstore.PutDirectory")
	defer span.End()
	span.SetAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key_prefix", keyPrefix),
	)

	var files []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=objstore.put_directory: %w", err)
	}

	sem := make(chan struct{}, putDirConcurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		uris     []string
	)
	for _, p := range files {
		wg.Add(1)
		sem <- struct{}{}
		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }()
			rel, err := filepath.Rel(localDir, p)
			var key string
			if err == nil {
				key = path.Join(keyPrefix, filepath.ToSlash(rel))
				err = s.putFile(ctx, key, p)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			uris = append(uris, s.URIFor(key))
		}(p)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, fmt.Errorf("op=objstore.put_directory: %w", firstErr)
	}
	sort.Strings(uris)
	return uris, nil
}

func (s *Store) putFile(ctx domain.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ct, ok := contentTypes[strings.ToLower(filepath.Ext(localPath))]
	if !ok {
		if m, err := mimetype.DetectFile(localPath); err == nil {
			ct = m.String()
		} else {
			ct = "application/octet-stream"
		}
	}
	op := func() error {
		// A retried attempt re-sends the file from the start.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(ct),
		})
		return err
	}
	return backoff.Retry(op, config.TransientBackoff(ctx))
}

// URIFor returns the canonical s3:// URI for a key in this bucket.
func (s *Store) URIFor(key string) string {
	return "s3://" + s.bucket + "/" + strings.TrimPrefix(key, "/")
}

var contentTypes = map[string]string{
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
	".md":   "text/markdown",
	".toml": "application/toml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".zip":  "application/zip",
	// asciinema recordings written by agent trials
	".cast": "application/octet-stream",
}

func contentTypeFor(key string, sample []byte) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	if len(sample) > 0 {
		return mimetype.Detect(sample).String()
	}
	return "application/octet-stream"
}
