package gcsuploader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
)

// MockStorageService is a function-field mock of StorageService.
type MockStorageService struct {
	UploadFileFunc   func(ctx context.Context, bucketName, objectName, filePath string) error
	UploadBytesFunc  func(ctx context.Context, bucketName, objectName, contentType string, data []byte) error
	FetchFromGCSFunc func(ctx context.Context, gcsURI string) ([]byte, error)
}

func (m *MockStorageService) UploadFile(ctx context.Context, bucketName, objectName, filePath string) error {
	if m.UploadFileFunc != nil {
		return m.UploadFileFunc(ctx, bucketName, objectName, filePath)
	}
	return nil
}

func (m *MockStorageService) UploadBytes(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
	if m.UploadBytesFunc != nil {
		return m.UploadBytesFunc(ctx, bucketName, objectName, contentType, data)
	}
	return nil
}

func (m *MockStorageService) FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error) {
	if m.FetchFromGCSFunc != nil {
		return m.FetchFromGCSFunc(ctx, gcsURI)
	}
	return nil, nil
}

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"gs://bucket/batches/2024-03.jsonl", "bucket", "batches/2024-03.jsonl", false},
		{"gs://bucket/file.json", "bucket", "file.json", false},
		{"gs://bucket", "", "", true},
		{"gs://bucket/", "", "", true},
		{"s3://bucket/file.json", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseGCSURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseGCSURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if bucket != tt.wantBucket || object != tt.wantObject {
				t.Errorf("ParseGCSURI() = (%q, %q), want (%q, %q)", bucket, object, tt.wantBucket, tt.wantObject)
			}
		})
	}
}

func TestExtractFilenameFromGCSURI(t *testing.T) {
	assert.Equal(t, "batch.jsonl", ExtractFilenameFromGCSURI("gs://bucket/in/2024/batch.jsonl"))
	assert.Equal(t, "bucket", ExtractFilenameFromGCSURI("gs://bucket"))
}

func TestLoadRawBatch(t *testing.T) {
	svc := &MockStorageService{
		FetchFromGCSFunc: func(ctx context.Context, gcsURI string) ([]byte, error) {
			assert.Equal(t, "gs://b/in.jsonl", gcsURI)
			return []byte(`{"platform":"alipay","user_id":"u1","transaction_id":"t1","timestamp":"2024-01-01 10:00:00","amount":"12.50","direction":"outflow","status":"success"}
{"platform":"wechat","user_id":"u1","transaction_id":"t2","timestamp":"2024-01-02 10:00:00","amount":3,"direction":"outflow","status":"success"}
`), nil
		},
	}

	raws, err := LoadRawBatch(context.Background(), svc, "gs://b/in.jsonl")
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, "t2", string(raws[1].TransactionID))
}

func TestLoadRawBatchFetchError(t *testing.T) {
	svc := &MockStorageService{
		FetchFromGCSFunc: func(ctx context.Context, gcsURI string) ([]byte, error) {
			return nil, errors.New("permission denied")
		},
	}
	_, err := LoadRawBatch(context.Background(), svc, "gs://b/in.jsonl")
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("LoadRawBatch() error = %v, want wrapped fetch error", err)
	}
}

func TestSaveRunOutput(t *testing.T) {
	uploads := map[string][]byte{}
	svc := &MockStorageService{
		UploadBytesFunc: func(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
			assert.Equal(t, "out-bucket", bucketName)
			assert.Equal(t, "application/json", contentType)
			uploads[objectName] = data
			return nil
		},
	}
	records := []*domain.LedgerRecord{{
		Platform:      "alipay",
		UserID:        "u1",
		TransactionID: "t1",
		Timestamp:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Amount:        decimal.NewFromInt(5),
	}}

	uri, err := SaveRunOutput(context.Background(), svc, "out-bucket", "run-7", records, []ledger.QuarantineEntry{{Index: 2, Reason: ledger.ReasonInvalidAmount}})
	require.NoError(t, err)
	assert.Equal(t, "gs://out-bucket/runs/run-7/ledger.json", uri)
	assert.Contains(t, string(uploads["runs/run-7/ledger.json"]), `"transaction_id": "t1"`)
	assert.Contains(t, string(uploads["runs/run-7/quarantine.json"]), `"invalid_amount"`)
}

func TestSaveRunOutputSkipsEmptyQuarantine(t *testing.T) {
	var objects []string
	svc := &MockStorageService{
		UploadBytesFunc: func(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
			objects = append(objects, objectName)
			return nil
		},
	}
	_, err := SaveRunOutput(context.Background(), svc, "b", "r", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/r/ledger.json"}, objects)
}
