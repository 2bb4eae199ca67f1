package storage

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kgnguhan/agentic-chaser/internal/config"
)

// S3 uploads documents to a bucket under an optional prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 uses AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY when both are set and
// the default credential chain otherwise.
func NewS3(ctx context.Context, cfg config.Storage) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = "eu-west-2"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	key, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, os.Getenv("AWS_SESSION_TOKEN")),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &S3{client: s3.NewFromConfig(awsCfg), bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3) Place(ctx context.Context, obj Object) (string, error) {
	f, err := os.Open(obj.SourcePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", obj.SourcePath, err)
	}
	defer f.Close()

	key := objectKey(obj)
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(obj.SourcePath)),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
