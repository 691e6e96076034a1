package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// S3Store keeps key references as private objects in an S3 compatible bucket.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// S3Opts configures an S3Store. Endpoint and PathStyle are used with S3 compatible services.
type S3Opts struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

func NewS3Store(opts S3Opts, log *slog.Logger) (*S3Store, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", opts.Bucket, opts.Prefix, opts.Region)
	if opts.Endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", opts.Endpoint)
	}

	cfg := aws.NewConfig().
		WithRegion(opts.Region).
		WithS3ForcePathStyle(opts.PathStyle)
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	if opts.AccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	} else {
		log.Warn("No S3 credentials provided, relying on the default credential chain")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  opts.Bucket,
		prefix:      strings.Trim(opts.Prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Put checks for an existing object first. S3 has no portable create-only write, so two
// concurrent writers can race; the key manager serializes its own writes.
func (s *S3Store) Put(ctx context.Context, tag string, value []byte) error {
	key, err := s.objectKey(tag)
	if err != nil {
		return err
	}

	_, err = s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		return interfaces.ErrKeyExists
	case !isNotFound(err):
		return fmt.Errorf("failed to check object in S3: %w", err)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(value),
		ACL:    aws.String(s3.ObjectCannedACLPrivate),
	})
	if err != nil {
		s.log.Error("Failed to upload object to S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err)
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	s.log.Debug("Stored key reference in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key))
	return nil
}

func (s *S3Store) Get(ctx context.Context, tag string) ([]byte, error) {
	key, err := s.objectKey(tag)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, tag string) error {
	key, err := s.objectKey(tag)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

// LocationURI returns the URI that identifies this store.
func (s *S3Store) LocationURI() string {
	return s.locationURI
}

func (s *S3Store) objectKey(tag string) (string, error) {
	if err := validateTag(tag); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return tag, nil
	}
	return path.Join(s.prefix, tag), nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
