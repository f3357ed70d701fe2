package export

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestline/internal/config"
	"forestline/internal/domain"
)

// fakeS3 records PUT requests keyed by path.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	f.objects[req.URL.Path] = string(body)
	f.types[req.URL.Path] = req.Header.Get("Content-Type")
	f.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
}

func sampleSheet() domain.ExecutionSheet {
	return domain.ExecutionSheet{
		ID:          "sheet-1",
		WorkSheetID: "ws-1",
		PolygonsOperations: []domain.PolygonOperations{{
			PolygonID:  "P1",
			Operations: []domain.PolygonOperation{{PolygonID: "P1", OperationID: "OP1", Status: domain.StatusPending, Tracks: []domain.Track{}}},
		}},
	}
}

func TestMarshalKeepsFieldNames(t *testing.T) {
	data, err := Marshal(sampleSheet())
	require.NoError(t, err)
	s := string(data)
	for _, field := range []string{`"workSheetId"`, `"polygonsOperations"`, `"polygonId"`, `"operationId"`, `"operatorId": null`, `"lastActivityDate": null`, `"tracks": []`} {
		assert.Contains(t, s, field)
	}
	assert.Equal(t, 1, strings.Count(s, `"polygonId"`))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "worksheets/ws-1.json", Key("worksheets", "ws-1"))
	assert.Equal(t, "sheets/a_b.json", Key("sheets", "a/b"))
}

func TestDirSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(context.Background(), config.Export{Driver: "fs", Directory: "out"}, dir)
	require.NoError(t, err)
	loc, err := Write(context.Background(), sink, "execution-sheets", "sheet-1", sampleSheet())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "execution-sheets", "sheet-1.json"), loc)
	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id": "sheet-1"`)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	loc, err := Write(context.Background(), WriterSink{W: &buf}, "worksheets", "ws-1", domain.Worksheet{ID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, "-", loc)
	assert.Contains(t, buf.String(), `"id": "ws-1"`)
}

func TestS3Sink(t *testing.T) {
	ctx := context.Background()
	rt := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("eu-west-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	var cfg config.Export
	cfg.Driver = "s3"
	cfg.S3.Bucket = "forest-exports"
	cfg.S3.Prefix = "dumps/"
	cfg.S3.Endpoint = "https://mock.s3.local"
	cfg.S3.UsePathStyle = true
	sink := newS3FromConfig(awsCfg, cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
	})

	loc, err := Write(ctx, sink, "worksheets", "ws-1", domain.Worksheet{ID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, "s3://forest-exports/dumps/worksheets/ws-1.json", loc)
	body, ok := rt.objects["/forest-exports/dumps/worksheets/ws-1.json"]
	require.True(t, ok, "objects: %v", rt.objects)
	assert.Contains(t, body, `"id": "ws-1"`)
	assert.Equal(t, "application/json", rt.types["/forest-exports/dumps/worksheets/ws-1.json"])
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.Export{Driver: "ftp"}, ".")
	assert.Error(t, err)
	_, err = NewS3(context.Background(), config.Export{Driver: "s3"})
	assert.Error(t, err)
}
