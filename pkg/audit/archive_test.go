package audit

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, _ := io.ReadAll(params.Body)
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, string(data))
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Append(ctx,
		testRecord("r1", base.Add(time.Hour), EventRoleCreated, OutcomeSuccess),
		testRecord("r2", base.Add(2*time.Hour), EventAccessChecked, OutcomeDenied),
		testRecord("r3", base.Add(30*time.Hour), EventAccessChecked, OutcomeDenied),
	))

	putter := &fakePutter{}
	archiver, err := NewS3Archiver(sink, putter, ArchiveConfig{Bucket: "audit", Prefix: "rbac"})
	require.NoError(t, err)

	n, err := archiver.Archive(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "rbac/2026/03/01/20260301T000000Z-20260302T000000Z.ndjson", *putter.inputs[0].Key)
	assert.Equal(t, "2", putter.inputs[0].Metadata["record-count"])
	assert.Len(t, strings.Split(strings.TrimSpace(putter.bodies[0]), "\n"), 2)

	// empty window uploads nothing
	n, err = archiver.Archive(ctx, base.Add(-48*time.Hour), base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, putter.inputs, 1)
}

func TestS3ArchiverUploadError(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	now := time.Now().UTC()
	require.NoError(t, sink.Append(ctx, testRecord("r1", now, EventRoleCreated, OutcomeSuccess)))

	archiver, err := NewS3Archiver(sink, &fakePutter{err: errors.New("denied")}, ArchiveConfig{Bucket: "audit"})
	require.NoError(t, err)

	_, err = archiver.Archive(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	assert.Error(t, err)

	_, err = NewS3Archiver(sink, &fakePutter{}, ArchiveConfig{})
	assert.Error(t, err)
}
