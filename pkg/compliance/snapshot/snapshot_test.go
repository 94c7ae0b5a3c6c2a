package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

const mixed = `[
  {"id": "fips-4282", "source": "NIST", "type": "FIPS 140-3", "date": "2024-05-01", "pqcCoverage": "ML-KEM-768"},
  {"id": "", "source": "NIST", "type": "ACVP"},
  {"source": "NIST", "type": "ACVP"},
  {"id": "cc-1", "source": "Common Criteria (DE)", "type": "Common Criteria", "pqcCoverage": false,
   "securityTargetUrls": ["https://www.commoncriteriaportal.org/files/epfiles/st.pdf"]},
  {"id": "cc-2", "source": "Common Criteria", "type": "Common Criteria", "securityTargetUrls": "nope"}
]`

func TestDecodeSkipsInvalidRecords(t *testing.T) {
	snap, err := New(NewFileStore("unused"))
	require.NoError(t, err)

	recs, report, err := snap.Decode([]byte(mixed))
	require.NoError(t, err)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 3, report.Skipped)
	assert.Len(t, report.Errors, 3)

	require.Len(t, recs, 2)
	assert.Equal(t, "fips-4282", recs[0].ID)
	assert.Equal(t, "ML-KEM-768", recs[0].PQCCoverage.String())
	assert.Equal(t, record.UnknownCoverage(), recs[1].PQCCoverage)
	assert.Equal(t, record.SchemeSource("DE"), recs[1].Source)
}

func TestDecodeRejectsNonArray(t *testing.T) {
	snap, err := New(NewFileStore("unused"))
	require.NoError(t, err)
	_, _, err = snap.Decode([]byte(`{"id": "x"}`))
	require.Error(t, err)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "compliance.json")
	snap, err := Open(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, path, snap.Location())

	_, err = snap.LoadSnapshot(context.Background())
	require.ErrorIs(t, err, ErrNotFound)

	in := []record.ComplianceRecord{{
		ID:          "acvp-1",
		Source:      record.SourceNIST,
		Type:        record.TypeACVP,
		Date:        "2025-01-01",
		Link:        "https://csrc.nist.gov/x?a=1&b=2",
		PQCCoverage: record.PendingCoverage(),
	}}
	require.NoError(t, snap.Publish(context.Background(), in))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a=1&b=2")
	assert.Contains(t, string(raw), record.PendingSentinel)

	out, err := snap.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	store := NewFileStore(path)
	_, ok, err := store.ModTime()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncodeEmpty(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	store := NewS3StoreWithClient(client, "certs", "snapshots/compliance.json")
	assert.Equal(t, "s3://certs/snapshots/compliance.json", store.Location())

	snap, err := New(store)
	require.NoError(t, err)

	_, err = snap.LoadSnapshot(context.Background())
	require.True(t, errors.Is(err, ErrNotFound))

	in := []record.ComplianceRecord{{ID: "cc-1", Source: record.SourceCommonCriteria, Type: record.TypeCC}}
	require.NoError(t, snap.Publish(context.Background(), in))
	assert.Contains(t, client.objects, "certs/snapshots/compliance.json")

	out, err := snap.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cc-1", out[0].ID)
}

func TestOpenRejectsBadLocations(t *testing.T) {
	for _, loc := range []string{"", "ftp://host/x.json", "s3://bucket-only", "gs:///object"} {
		_, err := Open(context.Background(), loc)
		assert.Error(t, err, loc)
	}

	snap, err := Open(context.Background(), "data/compliance.json")
	require.NoError(t, err)
	assert.Equal(t, "data/compliance.json", snap.Location())
}
