package service

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/showrunnerhq/backlot/internal/extraction"
	"github.com/showrunnerhq/backlot/internal/promotion"
	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/store"
)

type jobStoreStub struct {
	created []store.ExtractionJob
	audits  []store.PromotionAudit
}

func (j *jobStoreStub) CreateExtractionJob(_ context.Context, job store.ExtractionJob) (string, error) {
	job.ID = "job-1"
	j.created = append(j.created, job)
	return job.ID, nil
}

func (j *jobStoreStub) GetExtractionJob(_ context.Context, id string) (store.ExtractionJob, error) {
	for _, job := range j.created {
		if job.ID == id {
			return job, nil
		}
	}
	return store.ExtractionJob{}, store.ErrJobNotFound
}

func (j *jobStoreStub) ListPromotionAudits(_ context.Context, jobID string) ([]store.PromotionAudit, error) {
	return j.audits, nil
}

type policyStub struct {
	policy extraction.Policy
	found  bool
}

func (p *policyStub) LookupPolicy(context.Context, string, string) (extraction.Policy, bool, error) {
	return p.policy, p.found, nil
}

type queueStub struct {
	payloads []streams.JobPayload
}

func (q *queueStub) AddJob(_ context.Context, _, _ string, payload streams.JobPayload) error {
	q.payloads = append(q.payloads, payload)
	return nil
}

type promoterStub struct {
	promoted   []string
	rolledBack []string
}

func (p *promoterStub) Promote(_ context.Context, jobID, _, _ string, _ promotion.Options) (promotion.Result, error) {
	p.promoted = append(p.promoted, jobID)
	return promotion.Result{NodesCreated: 1}, nil
}

func (p *promoterStub) Rollback(_ context.Context, auditID, _, _, _ string) (promotion.RollbackResult, error) {
	p.rolledBack = append(p.rolledBack, auditID)
	return promotion.RollbackResult{}, nil
}

type workflowStub struct {
	started []map[string]interface{}
}

func (w *workflowStub) StartWorkflow(_ context.Context, _, _ string, wfCtx map[string]interface{}) (string, error) {
	w.started = append(w.started, wfCtx)
	return "wf-1", nil
}

func newService(jobs *jobStoreStub, policies *policyStub, q *queueStub, prom *promoterStub, wfs *workflowStub) *Service {
	return New(log.New(io.Discard, "", 0), jobs, policies, q, prom, wfs)
}

func TestRequestExtractionUsesPolicyParser(t *testing.T) {
	jobs := &jobStoreStub{}
	q := &queueStub{}
	policies := &policyStub{found: true, policy: extraction.Policy{ParserName: "script-parser", ParserVersion: "2", Enabled: true}}
	svc := newService(jobs, policies, q, &promoterStub{}, &workflowStub{})

	jobID, err := svc.RequestExtraction(context.Background(), ExtractionRequest{OrgID: "org-1", FileID: "file-1", Slot: "draft", Actor: "alice"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("job id = %s", jobID)
	}
	if jobs.created[0].Parser != "script-parser" || jobs.created[0].ParserVersion != "2" {
		t.Fatalf("job = %+v", jobs.created[0])
	}
	if len(q.payloads) != 1 || q.payloads[0].JobID != "job-1" || q.payloads[0].Actor != "alice" {
		t.Fatalf("payloads = %+v", q.payloads)
	}
}

func TestRequestExtractionRejectsDisabledPolicy(t *testing.T) {
	policies := &policyStub{found: true, policy: extraction.Policy{ParserName: "script-parser", Enabled: false}}
	svc := newService(&jobStoreStub{}, policies, &queueStub{}, &promoterStub{}, &workflowStub{})

	if _, err := svc.RequestExtraction(context.Background(), ExtractionRequest{OrgID: "org-1", FileID: "file-1"}); err == nil {
		t.Fatal("expected disabled policy to refuse extraction")
	}
}

func TestRequestExtractionRejectsMissingPolicy(t *testing.T) {
	svc := newService(&jobStoreStub{}, &policyStub{found: false}, &queueStub{}, &promoterStub{}, &workflowStub{})
	if _, err := svc.RequestExtraction(context.Background(), ExtractionRequest{OrgID: "org-1", FileID: "file-1"}); err == nil {
		t.Fatal("expected missing policy to refuse extraction")
	}
}

func TestRollbackRequiresReason(t *testing.T) {
	prom := &promoterStub{}
	svc := newService(&jobStoreStub{}, &policyStub{}, &queueStub{}, prom, &workflowStub{})

	if _, err := svc.RollbackPromotion(context.Background(), "audit-1", "org-1", "bob", ""); err == nil {
		t.Fatal("expected error without reason")
	}
	if _, err := svc.RollbackPromotion(context.Background(), "audit-1", "org-1", "bob", "bad data"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(prom.rolledBack) != 1 {
		t.Fatalf("rolled back %v", prom.rolledBack)
	}
}

func TestStartClusterWorkflowSeedsContext(t *testing.T) {
	wfs := &workflowStub{}
	svc := newService(&jobStoreStub{}, &policyStub{}, &queueStub{}, &promoterStub{}, wfs)

	id, err := svc.StartClusterWorkflow(context.Background(), "full-processing", "org-1", "file-1", map[string]interface{}{"slot": "draft"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "wf-1" {
		t.Fatalf("workflow id = %s", id)
	}
	got := wfs.started[0]
	if got["file_id"] != "file-1" || got["slot"] != "draft" {
		t.Fatalf("context = %v", got)
	}
}
