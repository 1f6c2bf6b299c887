package resultstore

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

type S3ResultStore struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3ResultStore(ctx context.Context, config configuration.S3Config) (*S3ResultStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyId != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyId, config.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})
	return &S3ResultStore{client: client, bucket: config.Bucket, prefix: config.Prefix}, nil
}

func (s *S3ResultStore) Upload(ctx context.Context, modelId string, requestId int64, result []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(modelId, requestId)),
		Body:        bytes.NewReader(result),
		ContentType: aws.String("application/json"),
	})
	return errors.Wrapf(err, "uploading result of request %d", requestId)
}

func (s *S3ResultStore) Download(ctx context.Context, modelId string, requestId int64) ([]byte, error) {
	key := s.key(modelId, requestId)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, errors.WithStack(&huberrors.ErrNotFound{Type: "result", Value: key})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "downloading result of request %d", requestId)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	return data, errors.WithStack(err)
}

func (s *S3ResultStore) key(modelId string, requestId int64) string {
	return path.Join(s.prefix, objectName(modelId, requestId))
}
