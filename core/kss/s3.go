package kss

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agrisense-io/agrisense/core/logger"
)

// S3 is the AWS S3 implementation of the Driver
type S3 struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewS3 returns a new S3 driver
func NewS3(kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(kssConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 blob storage enabled")
	return &S3{
		client:    s3.NewFromConfig(cfg),
		bucket:    kssConfig.AWSBucketName,
		keyPrefix: kssConfig.KeyPrefix,
	}, nil
}

// Put stores data under key
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Get returns the content stored under key
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	downloader := manager.NewDownloader(s.client)
	buf := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Delete deletes the key file
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	})
	return err
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (s *S3) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix + prefix),
	})
	if err != nil {
		return err
	}
	for _, object := range list.Contents {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    object.Key,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
