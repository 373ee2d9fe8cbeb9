package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Region       string
	AccessKey    string
	AccessSecret string
	Bucket       string

	// Optional, set for S3 compatible stores such as minio.
	BaseEndpoint string
}

type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.AccessSecret, "",
		)))
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func (s *S3Store) PresignUploadPost(ctx context.Context, key, contentType string) (PostGrant, error) {
	req, err := s.presign.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = GrantDuration
		o.Conditions = []interface{}{
			[]interface{}{"content-length-range", 0, MaxUploadBytes},
			[]interface{}{"starts-with", "$Content-Type", contentType},
		}
	})
	if err != nil {
		return PostGrant{}, fmt.Errorf("error presigning upload for key %v: %w", key, err)
	}

	return PostGrant{
		URL:    req.URL,
		Fields: req.Values,
		Key:    key,
		Expiry: time.Now().Add(GrantDuration),
	}, nil
}

func (s *S3Store) PresignUploadPut(ctx context.Context, key string) (PutGrant, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(GrantDuration))
	if err != nil {
		return PutGrant{}, fmt.Errorf("error presigning put for key %v: %w", key, err)
	}

	return PutGrant{
		URL:    req.URL,
		Key:    key,
		Expiry: time.Now().Add(GrantDuration),
	}, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	res, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("error getting metadata for key %v: %w", key, err)
	}

	info := ObjectInfo{}
	if res.ContentType != nil {
		info.ContentType = *res.ContentType
	}
	if res.ETag != nil {
		info.Checksum = strings.Trim(*res.ETag, "\"")
	}
	if res.ContentLength != nil {
		info.Size = *res.ContentLength
	}

	return info, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("error deleting object %v: %w", key, err)
	}
	return nil
}
