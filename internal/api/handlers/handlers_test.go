package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	infraBQ "github.com/dvloznov/ledger-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/ledger-reconciler/internal/jobs"
	jobsinmem "github.com/dvloznov/ledger-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/override"
	overrideinmem "github.com/dvloznov/ledger-reconciler/internal/override/inmemory"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
	"github.com/dvloznov/ledger-reconciler/internal/report"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
	"github.com/dvloznov/ledger-reconciler/internal/workspace"
)

const runBody = `{"records":[
{"platform":"alipay","user_id":"u1","transaction_id":"p1","timestamp":"2024-03-01 10:00:00","amount":"100","direction":"outflow","status":"success","counterparty":"Shop X","description":"order"},
{"platform":"alipay","user_id":"u1","transaction_id":"r1","timestamp":"2024-03-20 10:00:00","amount":"100","direction":"inflow","status":"refunded","counterparty":"Shop X (refund)","description":"退款"},
{"platform":"wechat","user_id":"u2","transaction_id":"w1","timestamp":"2024-04-01 12:00:00","amount":"35","direction":"outflow","status":"success","counterparty":"美团外卖","description":"午饭","platform_tx_type":"商户消费"},
{"platform":"wechat","user_id":"u2","transaction_id":"w2","timestamp":"2024-04-02 12:00:00","amount":"12","direction":"inflow","status":"refunded","counterparty":"不存在的商家"}
]}`

// MockPublisher is a mock implementation of jobs.Publisher.
type MockPublisher struct {
	PublishReconcileFunc func(ctx context.Context, job *jobs.ReconcileJob) error
}

func (m *MockPublisher) PublishReconcile(ctx context.Context, job *jobs.ReconcileJob) error {
	if m.PublishReconcileFunc != nil {
		return m.PublishReconcileFunc(ctx, job)
	}
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// MockLedgerRepository is a mock implementation of the BigQuery LedgerRepository.
type MockLedgerRepository struct {
	QueryLedgerByDateRangeFunc func(ctx context.Context, start, end time.Time, userID string) ([]*domain.LedgerRecord, error)
}

func (m *MockLedgerRepository) SaveRun(ctx context.Context, batch infraBQ.RunBatch) error {
	return nil
}

func (m *MockLedgerRepository) QueryLedgerByDateRange(ctx context.Context, start, end time.Time, userID string) ([]*domain.LedgerRecord, error) {
	if m.QueryLedgerByDateRangeFunc != nil {
		return m.QueryLedgerByDateRangeFunc(ctx, start, end, userID)
	}
	return nil, nil
}

func (m *MockLedgerRepository) DeleteRun(ctx context.Context, runID string) error { return nil }

func (m *MockLedgerRepository) Close() error { return nil }

type testServer struct {
	handler   http.Handler
	published []*jobs.ReconcileJob
	store     *jobsinmem.Store
}

func newTestServer(t *testing.T, warehouse RecordSource) *testServer {
	t.Helper()
	log := zerolog.Nop()
	tree := taxonomy.NewTree(nil)
	svc := override.NewService(overrideinmem.NewStore(), tree)
	c := pipeline.DefaultComponents()
	c.Overrides = svc
	ws := workspace.New(pipeline.NewRunner(c, 2), svc, tree)

	ts := &testServer{store: jobsinmem.NewStore()}
	pub := &MockPublisher{PublishReconcileFunc: func(ctx context.Context, job *jobs.ReconcileJob) error {
		ts.published = append(ts.published, job)
		return nil
	}}

	ts.handler = Router{
		Runs:      NewRunsHandler(ws, pub, ts.store, log),
		Jobs:      NewJobsHandler(ts.store, log),
		Ledger:    NewLedgerHandler(Sources{Workspace: WorkspaceSource{WS: ws}, Warehouse: warehouse}, tree, log),
		Overrides: NewOverridesHandler(ws, log),
	}.Mux()
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestRunThenQuery(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/runs?wait=true", runBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run struct {
		RunID   string `json:"run_id"`
		Summary struct {
			Accepted int `json:"accepted"`
		} `json:"summary"`
	}
	decode(t, rec, &run)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, 4, run.Summary.Accepted)

	rec = ts.do(t, http.MethodGet, "/api/ledger?platform=wechat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page report.Page
	decode(t, rec, &page)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "w2", page.Records[0].TransactionID)

	rec = ts.do(t, http.MethodGet, "/api/review", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var review struct {
		RunID string                `json:"run_id"`
		Items []pipeline.ReviewItem `json:"items"`
	}
	decode(t, rec, &review)
	assert.Equal(t, run.RunID, review.RunID)
	require.NotEmpty(t, review.Items)

	rec = ts.do(t, http.MethodGet, "/api/review?kind=unmatched_refund", "")
	decode(t, rec, &review)
	for _, item := range review.Items {
		assert.Equal(t, "unmatched_refund", item.Kind)
	}

	rec = ts.do(t, http.MethodGet, "/api/runs/latest", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReports(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/runs?wait=true", runBody).Code)

	tests := []struct {
		target string
		want   int
	}{
		{"/api/reports/summary", http.StatusOK},
		{"/api/reports/by-category?level=l2", http.StatusOK},
		{"/api/reports/by-category?level=l3", http.StatusBadRequest},
		{"/api/reports/top-categories?limit=5", http.StatusOK},
		{"/api/reports/by-period?granularity=week", http.StatusOK},
		{"/api/reports/by-period?granularity=day", http.StatusBadRequest},
		{"/api/reports/top-merchants?limit=abc", http.StatusBadRequest},
		{"/api/reports/by-track", http.StatusOK},
		{"/api/reports/cashflow", http.StatusOK},
		{"/api/reports/meta", http.StatusOK},
		{"/api/reports/summary?year=twenty", http.StatusBadRequest},
		{"/api/reports/summary?source=warehouse", http.StatusBadRequest},
		{"/api/reports/summary?source=lake", http.StatusBadRequest},
		{"/api/reports/forecast", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/reports/summary", "")
	var summary report.Summary
	decode(t, rec, &summary)
	assert.Equal(t, 4, summary.TotalRecords)
	assert.Equal(t, 2, summary.Platforms["alipay"])
}

func TestCreateRunEnqueues(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/runs", `{"source":"gs://bucket/batches/march.json"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	decode(t, rec, &resp)
	require.Len(t, ts.published, 1)
	assert.Equal(t, ts.published[0].JobID, resp["job_id"])
	assert.Equal(t, "gs://bucket/batches/march.json", ts.published[0].Source)

	rec = ts.do(t, http.MethodGet, "/api/jobs/"+resp["job_id"], "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/jobs", "")
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = ts.do(t, http.MethodPost, "/api/runs", runBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.published, 2)
	assert.Equal(t, jobs.SourceInline, ts.published[1].Source)
	assert.Len(t, ts.published[1].Raws, 4)
}

func TestCreateRunValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"invalid json", "/api/runs", `{`},
		{"empty", "/api/runs", `{}`},
		{"both", "/api/runs", `{"source":"gs://b/o","records":[{"platform":"alipay"}]}`},
		{"not gcs", "/api/runs", `{"source":"s3://b/o"}`},
		{"wait with source", "/api/runs?wait=true", `{"source":"gs://b/o"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, ts.published)
}

func TestOverrides(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/runs?wait=true", runBody).Code)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"transaction_id":"w1","category_l1":"餐饮美食","category_l2":"堂食正餐"}`, http.StatusOK},
		{"unknown category", `{"transaction_id":"w1","category_l1":"餐饮美食","category_l2":"火锅"}`, http.StatusBadRequest},
		{"unknown record", `{"transaction_id":"nope","category_l1":"餐饮美食","category_l2":"堂食正餐"}`, http.StatusNotFound},
		{"missing id", `{"category_l1":"餐饮美食","category_l2":"堂食正餐"}`, http.StatusBadRequest},
		{"bad body", `[]`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/overrides", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/overrides", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Overrides []override.Entry `json:"overrides"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Overrides, 1)
	assert.Equal(t, "wechat", list.Overrides[0].Platform)

	rec = ts.do(t, http.MethodGet, "/api/ledger?category_l2="+url.QueryEscape("堂食正餐"), "")
	var page report.Page
	decode(t, rec, &page)
	require.Len(t, page.Records, 1)
	assert.Equal(t, domain.ProvenanceManual, page.Records[0].CategoryProvenance)

	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodDelete, "/api/overrides", "").Code)
}

func TestJobsNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/jobs/missing", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPost, "/api/jobs", "").Code)
}

func TestWarehouseSource(t *testing.T) {
	var gotStart, gotEnd time.Time
	var gotUser string
	repo := &MockLedgerRepository{
		QueryLedgerByDateRangeFunc: func(ctx context.Context, start, end time.Time, userID string) ([]*domain.LedgerRecord, error) {
			gotStart, gotEnd, gotUser = start, end, userID
			return []*domain.LedgerRecord{}, nil
		},
	}
	ts := newTestServer(t, WarehouseSource{Repo: repo})

	rec := ts.do(t, http.MethodGet, "/api/reports/summary?source=warehouse&year=2024&user=u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), gotStart)
	assert.Equal(t, 2024, gotEnd.Year())
	assert.Equal(t, time.December, gotEnd.Month())
	assert.Equal(t, "u1", gotUser)

	repo.QueryLedgerByDateRangeFunc = func(ctx context.Context, start, end time.Time, userID string) ([]*domain.LedgerRecord, error) {
		return nil, errors.New("bigquery unavailable")
	}
	rec = ts.do(t, http.MethodGet, "/api/ledger?source=warehouse", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to load ledger"}`, rec.Body.String())
}

func TestWarehouseWindowDefaults(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	src := WarehouseSource{Now: func() time.Time { return now }}

	start, end := src.window(report.Filter{})
	assert.Equal(t, now.AddDate(-1, 0, 0), start)
	assert.Equal(t, now, end)

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	start, end = src.window(report.Filter{DateFrom: from, DateTo: to})
	assert.Equal(t, from, start)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), end)
}

type failingSink struct{}

func (failingSink) Name() string { return "bigquery" }

func (failingSink) Publish(ctx context.Context, run *pipeline.RunResult, source string) (string, error) {
	return "", errors.New("quota exceeded")
}

func TestRerunWithSinkErrors(t *testing.T) {
	tree := taxonomy.NewTree(nil)
	ws := workspace.New(pipeline.NewRunner(pipeline.DefaultComponents(), 1), nil, tree, failingSink{})
	mux := Router{
		Runs:      NewRunsHandler(ws, &MockPublisher{}, jobsinmem.NewStore(), zerolog.Nop()),
		Jobs:      NewJobsHandler(jobsinmem.NewStore(), zerolog.Nop()),
		Ledger:    NewLedgerHandler(Sources{Workspace: WorkspaceSource{WS: ws}}, tree, zerolog.Nop()),
		Overrides: NewOverridesHandler(ws, zerolog.Nop()),
	}.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/rerun", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Records json.RawMessage `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(runBody), &body))
	raws, err := ledger.DecodeRaw(bytes.NewReader(body.Records))
	require.NoError(t, err)
	_, err = ws.Reconcile(context.Background(), jobs.SourceInline, raws)
	require.Error(t, err)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/rerun", nil))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}
