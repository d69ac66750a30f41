package cloud

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/model"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
}

type fakeS3 struct {
	objects map[string]*fakeObject
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]*fakeObject)}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	obj.metadata = in.Metadata
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = &fakeObject{data: data, metadata: in.Metadata}
	return &manager.UploadOutput{}, nil
}

func newS3Source(t *testing.T, fake *fakeS3) *S3Source {
	t.Helper()
	settings, err := config.NewStore(zerolog.Nop(), "")
	require.NoError(t, err)
	return &S3Source{
		logger:   zerolog.Nop(),
		settings: settings,
		client:   fake,
		uploader: fake,
		bucket:   "backups",
		prefix:   "vaultsync/",
	}
}

func TestS3_UploadListRoundTrip(t *testing.T) {
	fake := newFakeS3()
	src := newS3Source(t, fake)
	record := &model.SourceBackup{
		Slug:      "abc",
		Name:      "Nightly abc",
		Date:      time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		Type:      model.BackupPartial,
		SizeBytes: 5,
	}

	_, err := src.Upload(context.Background(), strings.NewReader("bytes"), record)
	require.NoError(t, err)

	listing, err := src.List(context.Background())
	require.NoError(t, err)
	require.Contains(t, listing, "abc")
	got := listing["abc"]
	assert.Equal(t, "Nightly abc", got.Name)
	assert.Equal(t, model.BackupPartial, got.Type)
	assert.Equal(t, record.Date, got.Date)
	assert.Equal(t, int64(5), got.SizeBytes)
}

func TestS3_ListIgnoresForeignKeys(t *testing.T) {
	fake := newFakeS3()
	fake.objects["vaultsync/nested/other.tar"] = &fakeObject{}
	fake.objects["vaultsync/readme.txt"] = &fakeObject{}
	src := newS3Source(t, fake)

	listing, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listing)
}

func TestS3_RetainRewritesMetadata(t *testing.T) {
	fake := newFakeS3()
	src := newS3Source(t, fake)
	record := &model.SourceBackup{Slug: "abc", Name: "n", Date: time.Now().UTC()}
	_, err := src.Upload(context.Background(), strings.NewReader("bytes"), record)
	require.NoError(t, err)

	require.NoError(t, src.Retain(context.Background(), "abc", true))
	listing, err := src.List(context.Background())
	require.NoError(t, err)
	assert.True(t, listing["abc"].Retained)

	require.NoError(t, src.Retain(context.Background(), "abc", false))
	listing, err = src.List(context.Background())
	require.NoError(t, err)
	assert.False(t, listing["abc"].Retained)
}

func TestS3_DeleteAndDownload(t *testing.T) {
	fake := newFakeS3()
	src := newS3Source(t, fake)
	record := &model.SourceBackup{Slug: "abc", Name: "n", Date: time.Now().UTC()}
	_, err := src.Upload(context.Background(), strings.NewReader("payload"), record)
	require.NoError(t, err)

	stream, err := src.Download(context.Background(), "abc")
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, src.Delete(context.Background(), "abc"))
	_, err = src.Download(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrUnknownSlug)
}
