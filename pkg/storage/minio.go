package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
)

type ObjectStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewObjectStore wraps a minio client. publicURL is the base clients use to fetch
// objects; when empty, objects are addressed through the client endpoint.
func NewObjectStore(client *minio.Client, bucket, publicURL string) *ObjectStore {
	if publicURL == "" && client != nil {
		publicURL = client.EndpointURL().String()
	}
	return &ObjectStore{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// UploadDirectory copies every file under localPath to remotePrefix, keeping relative paths.
func (s *ObjectStore) UploadDirectory(ctx context.Context, localPath, remotePrefix string) error {
	return filepath.Walk(localPath, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(localPath, filePath)
		if err != nil {
			return err
		}
		objectName := path.Join(remotePrefix, filepath.ToSlash(relativePath))

		_, uploadErr := s.client.FPutObject(ctx, s.bucket, objectName, filePath, minio.PutObjectOptions{
			ContentType: ContentTypeFor(objectName),
		})
		if uploadErr != nil {
			return fmt.Errorf("upload %s: %w", objectName, uploadErr)
		}
		return nil
	})
}

func (s *ObjectStore) Upload(ctx context.Context, objectName, localPath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: ContentTypeFor(objectName),
	})
	return err
}

func (s *ObjectStore) Download(ctx context.Context, objectName, localPath string) error {
	return s.client.FGetObject(ctx, s.bucket, objectName, localPath, minio.GetObjectOptions{})
}

func (s *ObjectStore) ObjectURL(objectName string) string {
	if s == nil {
		return ""
	}
	base, err := url.Parse(s.publicURL)
	if err != nil || base.Host == "" {
		return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, objectName)
	}
	base.Path = path.Join("/", base.Path, s.bucket, objectName)
	return base.String()
}

func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
