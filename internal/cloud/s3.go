package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/model"
)

// s3API is the slice of the S3 client the adapter uses, split out so tests
// can fake it.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

type s3Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Source stores each backup as one object under a key prefix, with the
// backup's identity carried in object metadata.
type S3Source struct {
	logger   zerolog.Logger
	settings *config.Store
	client   s3API
	uploader s3Uploader
	bucket   string
	prefix   string
}

// S3Options configures the S3 adapter.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint, when set, points at an S3-compatible server and switches
	// to path-style addressing.
	Endpoint  string
	AccessKey string
	SecretKey string
}

func NewS3Source(ctx context.Context, logger zerolog.Logger, settings *config.Store, opts S3Options) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client)

	return &S3Source{
		logger:   logger.With().Str("component", "cloud-s3").Logger(),
		settings: settings,
		client:   client,
		uploader: uploader,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

func (s *S3Source) Name() model.SourceName { return model.SourceCloud }

func (s *S3Source) Enabled() bool { return s.bucket != "" }

func (s *S3Source) UploadAllowed() bool { return s.settings.Current().EnableUpload }

func (s *S3Source) MaxRetainedCount() int {
	return s.settings.Current().MaxBackupsInCloud
}

func (s *S3Source) Create(ctx context.Context, opts model.CreateOptions) (*model.SourceBackup, error) {
	return nil, ErrNoCreate
}

// FreeSpaceBytes is negative: buckets don't have a usable quota to check.
func (s *S3Source) FreeSpaceBytes(ctx context.Context) (int64, error) {
	return -1, nil
}

func (s *S3Source) key(slug string) string {
	return s.prefix + slug + ".tar"
}

func (s *S3Source) slugFromKey(key string) (string, bool) {
	name := strings.TrimPrefix(key, s.prefix)
	if name == key || !strings.HasSuffix(name, ".tar") || strings.Contains(name, "/") {
		return "", false
	}
	return strings.TrimSuffix(name, ".tar"), true
}

// List walks the prefix and heads each object for its metadata.
func (s *S3Source) List(ctx context.Context) (map[string]*model.SourceBackup, error) {
	out := make(map[string]*model.SourceBackup)
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3 backups: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			slug, ok := s.slugFromKey(key)
			if !ok {
				continue
			}
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("head s3 backup %s: %w", slug, err)
			}
			out[slug] = recordFromMetadata(slug, aws.ToInt64(head.ContentLength), head.Metadata)
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func recordFromMetadata(slug string, size int64, metadata map[string]string) *model.SourceBackup {
	date, _ := time.Parse(time.RFC3339, metadata[propDate])
	bt := model.BackupFull
	if metadata[propType] == string(model.BackupPartial) {
		bt = model.BackupPartial
	}
	name := metadata["backup_name"]
	if name == "" {
		name = slug
	}
	return &model.SourceBackup{
		Slug:        slug,
		Name:        name,
		Date:        date,
		SizeBytes:   size,
		Type:        bt,
		Protected:   metadata[propProtected] == "true",
		Retained:    metadata[propRetained] == "true",
		Ignored:     metadata[propIgnored] == "true",
		Version:     metadata[propVersion],
		CreatedByUs: true,
	}
}

func (s *S3Source) metadataFor(record *model.SourceBackup, retained bool) map[string]string {
	return map[string]string{
		"backup_name": record.Name,
		propDate:      record.Date.Format(time.RFC3339),
		propType:      string(record.Type),
		propProtected: strconv.FormatBool(record.Protected),
		propRetained:  strconv.FormatBool(retained),
		propVersion:   record.Version,
	}
}

// Upload streams the archive into one object. The uploader multiparts large
// streams on its own, so there is no session to resume; a failed upload
// restarts from the beginning next pass.
func (s *S3Source) Upload(ctx context.Context, stream io.ReadSeeker, record *model.SourceBackup) (*model.SourceBackup, error) {
	s.logger.Info().Str("slug", record.Slug).Msg("uploading backup to s3")
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key(record.Slug)),
		Body:     stream,
		Metadata: s.metadataFor(record, record.Retained),
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s to s3: %w", record.Slug, err)
	}
	clone := *record
	return &clone, nil
}

func (s *S3Source) Delete(ctx context.Context, slug string) error {
	s.logger.Info().Str("slug", slug).Msg("deleting backup from s3")
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(slug)),
	})
	if err != nil {
		return fmt.Errorf("delete s3 backup %s: %w", slug, err)
	}
	return nil
}

// Retain rewrites the object's metadata in place via a self-copy.
func (s *S3Source) Retain(ctx context.Context, slug string, retain bool) error {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(slug)),
	})
	if err != nil {
		return fmt.Errorf("head s3 backup %s: %w", slug, err)
	}
	metadata := make(map[string]string, len(head.Metadata)+1)
	for k, v := range head.Metadata {
		metadata[k] = v
	}
	metadata[propRetained] = strconv.FormatBool(retain)

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(slug)),
		CopySource:        aws.String(s.bucket + "/" + s.key(slug)),
		Metadata:          metadata,
		MetadataDirective: "REPLACE",
	})
	if err != nil {
		return fmt.Errorf("retain s3 backup %s: %w", slug, err)
	}
	return nil
}

func (s *S3Source) Download(ctx context.Context, slug string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(slug)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSlug, slug)
		}
		return nil, fmt.Errorf("download s3 backup %s: %w", slug, err)
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
