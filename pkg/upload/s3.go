package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPrefix is used when no prefix is configured.
	DefaultPrefix = "results"

	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// writeTestKey is written and removed again by Preflight.
	writeTestKey = ".dotestoor-write-test"

	// uploadConcurrency bounds parallel PutObject calls per run.
	uploadConcurrency = 16
)

// metadataFiles are uploaded after everything else, config.json last, so a
// reader that finds config.json can rely on the rest of the run being there.
var metadataFiles = []string{"result.json", "junit.xml", "summary.md", "config.json"}

type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates an uploader for an S3-compatible bucket.
func NewS3Uploader(log logrus.FieldLogger, cfg *config.S3UploadConfig) (Uploader, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cfg.Region
		if o.Region == "" {
			o.Region = DefaultRegion
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight writes a test object and removes it again. A failed removal
// is only logged: write access is what uploads need.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	key := path.Join(u.basePrefix(), writeTestKey)
	body := "dotestoor write test: " + time.Now().UTC().Format(time.RFC3339)

	if err := u.put(ctx, key, strings.NewReader(body), "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("writing test object to s3://%s/%s: %w", u.cfg.Bucket, key, err)
	}

	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		u.log.WithError(err).WithField("key", key).Debug("Could not remove test object")
	}

	return nil
}

// Upload copies every file of runDir to <prefix>/runs/<run id>/. Test
// transcripts go first and in parallel; run metadata follows in order.
func (u *s3Uploader) Upload(ctx context.Context, runDir string) error {
	prefix := u.resolvePrefix(filepath.Base(runDir))

	files, err := listRunFiles(runDir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", runDir, err)
	}

	isMeta := make(map[string]bool, len(metadataFiles))
	for _, name := range metadataFiles {
		isMeta[name] = true
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, rel := range files {
		if isMeta[rel] {
			continue
		}

		g.Go(func() error {
			return u.uploadFile(gCtx, filepath.Join(runDir, filepath.FromSlash(rel)), prefix+"/"+rel)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, name := range metadataFiles {
		local := filepath.Join(runDir, name)
		if _, err := os.Stat(local); err != nil {
			continue
		}

		if err := u.uploadFile(ctx, local, prefix+"/"+name); err != nil {
			return err
		}
	}

	u.log.WithFields(logrus.Fields{
		"files":  len(files),
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Run uploaded")

	return nil
}

// UploadIndex writes <prefix>/index.json.
func (u *s3Uploader) UploadIndex(ctx context.Context, data []byte) error {
	key := path.Join(u.basePrefix(), "index.json")

	if err := u.put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	return nil
}

func (u *s3Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	u.log.WithField("key", key).Debug("Uploading file")

	if err := u.put(ctx, key, f, detectContentType(localPath)); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	return nil
}

func (u *s3Uploader) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	_, err := u.client.PutObject(ctx, input)

	return err
}

func (u *s3Uploader) basePrefix() string {
	prefix := strings.Trim(u.cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return prefix
}

func (u *s3Uploader) resolvePrefix(runID string) string {
	return u.basePrefix() + "/runs/" + runID
}

// listRunFiles returns the slash-separated paths of all regular files under
// runDir.
func listRunFiles(runDir string) ([]string, error) {
	files := make([]string, 0, 64)

	err := filepath.WalkDir(runDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(runDir, p)
		if err != nil {
			return err
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})

	return files, err
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(name string) string {
	ext := filepath.Ext(name)

	switch ext {
	case "":
		return "application/octet-stream"
	case ".log", ".md":
		return "text/plain; charset=utf-8"
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}

	return "application/octet-stream"
}
