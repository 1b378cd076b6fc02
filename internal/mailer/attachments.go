package mailer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/foxzi/drip/internal/models"
)

const s3Scheme = "s3://"

// maxAttachmentSize bounds a single attachment
const maxAttachmentSize = 10 << 20

// s3API is the part of the S3 client the loader needs
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// AttachmentLoader resolves step attachments to file contents
type AttachmentLoader struct {
	baseDir string
	s3      s3API
}

// NewAttachmentLoader creates a loader. s3Client may be nil when no step
// references an s3:// path.
func NewAttachmentLoader(baseDir string, s3Client s3API) *AttachmentLoader {
	return &AttachmentLoader{baseDir: baseDir, s3: s3Client}
}

// Load reads every attachment of a step
func (l *AttachmentLoader) Load(ctx context.Context, refs []models.Attachment) ([]Attachment, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	out := make([]Attachment, 0, len(refs))
	for _, ref := range refs {
		var (
			data []byte
			name string
			err  error
		)
		if strings.HasPrefix(ref.Path, s3Scheme) {
			data, name, err = l.loadS3(ctx, ref.Path)
		} else {
			data, name, err = l.loadLocal(ref.Path)
		}
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", ref.Path, err)
		}
		if ref.Filename != "" {
			name = ref.Filename
		}
		out = append(out, Attachment{Filename: name, Data: data})
	}
	return out, nil
}

func (l *AttachmentLoader) loadLocal(p string) ([]byte, string, error) {
	if l.baseDir == "" {
		return nil, "", fmt.Errorf("attachments.base_dir is not configured")
	}

	full := filepath.Join(l.baseDir, filepath.FromSlash(p))
	rel, err := filepath.Rel(l.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, "", fmt.Errorf("path escapes attachments directory")
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, "", err
	}
	if info.Size() > maxAttachmentSize {
		return nil, "", fmt.Errorf("file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, "", err
	}
	return data, filepath.Base(full), nil
}

func (l *AttachmentLoader) loadS3(ctx context.Context, uri string) ([]byte, string, error) {
	if l.s3 == nil {
		return nil, "", fmt.Errorf("s3 client is not configured")
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, s3Scheme), "/")
	if !ok || bucket == "" || key == "" {
		return nil, "", fmt.Errorf("invalid s3 url, want s3://bucket/key")
	}

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxAttachmentSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	if len(data) > maxAttachmentSize {
		return nil, "", fmt.Errorf("object too large")
	}
	return data, path.Base(key), nil
}
