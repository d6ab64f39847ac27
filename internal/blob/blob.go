// Package blob stores workspace and project icons in S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"taskflow/api/internal/log"
	"taskflow/api/internal/util"
)

// MaxImageBytes is the largest icon accepted for upload.
const MaxImageBytes = 1 << 20

type Folder string

const (
	WorkspaceIcon Folder = "workspace-icon"
	ProjectIcon   Folder = "project-icon"
)

var (
	ErrTooLarge        = errors.New("image must be 1MB or smaller")
	ErrUnsupportedType = errors.New("file must be a PNG, JPEG, GIF or WebP image")
	ErrEmpty           = errors.New("image is empty")
)

var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Object is an uploaded blob. ExternalID is the object key and is what a later
// delete would need.
type Object struct {
	URL        string
	ExternalID string
}

type Uploader struct {
	client    *minio.Client
	bucket    string
	publicURL string

	// put exists so that tests can replace the network call.
	put func(ctx context.Context, key, contentType string, data []byte) error
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("S3 endpoint and bucket are required")
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

// NewUploader connects to object storage and makes sure the bucket exists.
func NewUploader(ctx context.Context, cfg Config) (*Uploader, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Log.WithField("bucket", cfg.Bucket).Info("created icon bucket")
	}

	u := &Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicBase(cfg),
	}
	u.put = u.putObject
	return u, nil
}

func publicBase(cfg Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + cfg.Endpoint
}

func (u *Uploader) putObject(ctx context.Context, key, contentType string, data []byte) error {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Upload validates data as an icon and stores it under folder.
func (u *Uploader) Upload(ctx context.Context, data []byte, fileName string, folder Folder) (Object, error) {
	contentType, err := Validate(data)
	if err != nil {
		return Object{}, err
	}

	key := ObjectKey(folder, fileName, allowedTypes[contentType])
	if err := u.put(ctx, key, contentType, data); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return Object{
		URL:        u.publicURL + "/" + u.bucket + "/" + key,
		ExternalID: key,
	}, nil
}

// Validate checks the size limit and sniffs the content type.
func Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxImageBytes {
		return "", ErrTooLarge
	}
	contentType := http.DetectContentType(data)
	if _, ok := allowedTypes[contentType]; !ok {
		return "", ErrUnsupportedType
	}
	return contentType, nil
}

var unsafeName = regexp.MustCompile(`[^a-z0-9-]+`)

// ObjectKey builds a unique key like "workspace-icon/<id>-<slug><ext>".
func ObjectKey(folder Folder, fileName, ext string) string {
	base := strings.TrimSuffix(fileName, path.Ext(fileName))
	slug := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if len(slug) > 32 {
		slug = strings.Trim(slug[:32], "-")
	}
	name := util.NewID("")
	if slug != "" {
		name += "-" + slug
	}
	return string(folder) + "/" + name + ext
}
