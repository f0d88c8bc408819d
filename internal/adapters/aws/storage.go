package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func (b *Backend) UploadFile(ctx context.Context, filename, key string) error {
	if err := b.setup(ctx); err != nil {
		return err
	}
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	b.log.Info("uploading file", "file", filename, "bucket", b.cfg.S3Bucket, "key", key)
	if _, err := b.clients.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: sdkaws.String(b.cfg.S3Bucket),
		Key:    sdkaws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (b *Backend) DownloadFile(ctx context.Context, key, filename string) error {
	if err := b.setup(ctx); err != nil {
		return err
	}
	b.log.Info("downloading file", "bucket", b.cfg.S3Bucket, "key", key, "file", filename)
	out, err := b.clients.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: sdkaws.String(b.cfg.S3Bucket),
		Key:    sdkaws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	return f.Close()
}

func (b *Backend) DeleteFile(ctx context.Context, key string) error {
	if err := b.setup(ctx); err != nil {
		return err
	}
	b.log.Info("deleting file", "bucket", b.cfg.S3Bucket, "key", key)
	if _, err := b.clients.S3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: sdkaws.String(b.cfg.S3Bucket),
		Key:    sdkaws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// FileContent reads an object as text. A missing key yields "".
func (b *Backend) FileContent(ctx context.Context, key string) (string, error) {
	if err := b.setup(ctx); err != nil {
		return "", err
	}
	out, err := b.clients.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: sdkaws.String(b.cfg.S3Bucket),
		Key:    sdkaws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			b.log.Warn("key not found", "bucket", b.cfg.S3Bucket, "key", key)
			return "", nil
		}
		return "", fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("reading object %s: %w", key, err)
	}
	return string(data), nil
}

// WaitFileExists blocks until key exists in the bucket or timeout elapses.
func (b *Backend) WaitFileExists(ctx context.Context, key string, timeout time.Duration) error {
	if err := b.setup(ctx); err != nil {
		return err
	}
	waiter := s3.NewObjectExistsWaiter(b.clients.S3)
	if err := waiter.Wait(ctx, &s3.HeadObjectInput{
		Bucket: sdkaws.String(b.cfg.S3Bucket),
		Key:    sdkaws.String(key),
	}, timeout); err != nil {
		return fmt.Errorf("waiting for %s: %w", key, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return apiErrorCode(err) == "NoSuchKey"
}
