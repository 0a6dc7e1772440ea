package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

func card() contracts.WeeklyFlagRecord {
	return contracts.WeeklyFlagRecord{
		ID:         "card-1",
		ClientID:   "c1",
		WeekEnding: contracts.MustDate("2026-03-08"),
		Timestamp:  time.Date(2026, 3, 8, 20, 0, 0, 0, time.UTC),
		Flags:      []contracts.Flag{contracts.FlagSoftCompliance},
		Summary:    "Week ending 2026-03-08 for c1: soft_compliance (fuel missed on 2026-03-03 and 2026-03-04)",
		Action:     contracts.ActionCallout,
	}
}

func TestEncode_CanonicalAndStable(t *testing.T) {
	data, hash, err := Encode(card())
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.Contains(t, string(data), `"action_suggested":"callout"`)
	assert.NotContains(t, string(data), "\n")

	_, again, err := Encode(card())
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	changed := card()
	changed.Resolved = true
	_, other, err := Encode(changed)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "cards/job-cards/c1/2026-03-08/abc.json", Key("cards", card(), "abc"))
	assert.Equal(t, "job-cards/c1/2026-03-08/abc.json", Key("", card(), "abc"))
}

func TestFileArchive_WritesOnce(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileArchive(dir)
	require.NoError(t, err)

	require.NoError(t, a.Archive(context.Background(), card()))
	require.NoError(t, a.Archive(context.Background(), card()))

	matches, err := filepath.Glob(filepath.Join(dir, "job-cards", "c1", "2026-03-08", "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	want, _, err := Encode(card())
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, errors.New("NotFound")
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive_SkipsExistingObject(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	a := &S3Archive{client: fake, bucket: "regiment", prefix: "prod"}

	require.NoError(t, a.Archive(context.Background(), card()))
	require.NoError(t, a.Archive(context.Background(), card()))
	assert.Equal(t, 1, fake.puts)

	_, hash, err := Encode(card())
	require.NoError(t, err)
	assert.Contains(t, fake.objects, Key("prod", card(), hash))
}

func TestS3Archive_PutFailureIsRetryable(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, putErr: errors.New("503 SlowDown")}
	a := &S3Archive{client: fake, bucket: "regiment"}

	err := a.Archive(context.Background(), card())
	require.Error(t, err)
	assert.True(t, contracts.IsRetryable(err))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(context.Background(), "file://"+dir)
	require.NoError(t, err)
	assert.IsType(t, &FileArchive{}, a)

	_, err = Open(context.Background(), "ftp://host/cards")
	assert.Error(t, err)
}
