package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/showrunnerhq/backlot/internal/extraction"
	"github.com/showrunnerhq/backlot/internal/orchestrator"
	"github.com/showrunnerhq/backlot/internal/promotion"
	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/service"
	"github.com/showrunnerhq/backlot/internal/store"
)

type jobStoreStub struct {
	jobs map[string]store.ExtractionJob
}

func (j *jobStoreStub) CreateExtractionJob(_ context.Context, job store.ExtractionJob) (string, error) {
	job.ID = "job-1"
	j.jobs[job.ID] = job
	return job.ID, nil
}

func (j *jobStoreStub) GetExtractionJob(_ context.Context, id string) (store.ExtractionJob, error) {
	job, ok := j.jobs[id]
	if !ok {
		return store.ExtractionJob{}, store.ErrJobNotFound
	}
	return job, nil
}

func (j *jobStoreStub) ListPromotionAudits(context.Context, string) ([]store.PromotionAudit, error) {
	return nil, nil
}

type policyStub struct{}

func (policyStub) LookupPolicy(context.Context, string, string) (extraction.Policy, bool, error) {
	return extraction.Policy{ParserName: "script-parser", Enabled: true}, true, nil
}

type queueStub struct{}

func (queueStub) AddJob(context.Context, string, string, streams.JobPayload) error { return nil }

type promoterStub struct {
	promoteErr error
}

func (p *promoterStub) Promote(context.Context, string, string, string, promotion.Options) (promotion.Result, error) {
	if p.promoteErr != nil {
		return promotion.Result{}, p.promoteErr
	}
	return promotion.Result{NodesCreated: 3, RelationshipsCreated: 2}, nil
}

func (p *promoterStub) Rollback(context.Context, string, string, string, string) (promotion.RollbackResult, error) {
	return promotion.RollbackResult{NodesRemoved: 3}, nil
}

type workflowStub struct{}

func (workflowStub) StartWorkflow(context.Context, string, string, map[string]interface{}) (string, error) {
	return "wf-1", nil
}

func newTestServer(prom *promoterStub) *Server {
	logger := log.New(io.Discard, "", 0)
	svc := service.New(logger, &jobStoreStub{jobs: map[string]store.ExtractionJob{}}, policyStub{}, queueStub{}, prom, workflowStub{})
	return New(logger, svc, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&promoterStub{})
	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestExtractionAccepted(t *testing.T) {
	s := newTestServer(&promoterStub{})
	rec := do(t, s, http.MethodPost, "/api/extractions", `{"org_id":"org-1","file_id":"file-1","slot":"draft"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "job-1") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestGetExtractionNotFound(t *testing.T) {
	s := newTestServer(&promoterStub{})
	rec := do(t, s, http.MethodGet, "/api/extractions/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPromoteValidationConflict(t *testing.T) {
	s := newTestServer(&promoterStub{promoteErr: &promotion.ValidationError{Reason: "job is not in a promotable state"}})
	rec := do(t, s, http.MethodPost, "/api/extractions/job-1/promote", `{"org_id":"org-1","actor":"alice"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestRollbackRequiresReason(t *testing.T) {
	s := newTestServer(&promoterStub{})
	rec := do(t, s, http.MethodPost, "/api/promotions/audit-1/rollback", `{"org_id":"org-1","actor":"bob"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/promotions/audit-1/rollback", `{"org_id":"org-1","actor":"bob","reason":"bad data"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestStartWorkflowDefaultsDefinition(t *testing.T) {
	s := newTestServer(&promoterStub{})
	rec := do(t, s, http.MethodPost, "/api/workflows", `{"org_id":"org-1","file_id":"file-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "wf-1") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestGetWorkflowWithoutReader(t *testing.T) {
	s := newTestServer(&promoterStub{})
	rec := do(t, s, http.MethodGet, "/api/workflows/wf-1", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	svc := service.New(logger, &jobStoreStub{jobs: map[string]store.ExtractionJob{}}, policyStub{}, queueStub{}, &promoterStub{}, workflowStub{})
	o := orchestrator.New(logger, orchestrator.NewInMemoryStateStore(), nil)
	s := New(logger, svc, o)
	rec := do(t, s, http.MethodGet, "/api/workflows/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
