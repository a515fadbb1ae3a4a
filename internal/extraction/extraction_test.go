package extraction

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/store"
)

type stagingStub struct {
	job           store.ExtractionJob
	jobErr        error
	entityErr     error
	statuses      []string
	entities      []store.StagedEntity
	links         []store.StagedLink
	completed     bool
	completedConf float64
	failedStatus  string
	failedMsg     string
}

func (s *stagingStub) GetExtractionJob(context.Context, string) (store.ExtractionJob, error) {
	return s.job, s.jobErr
}
func (s *stagingStub) MarkJobStatus(_ context.Context, _, status string) error {
	s.statuses = append(s.statuses, status)
	return nil
}
func (s *stagingStub) MarkJobCompleted(_ context.Context, _ string, _, _ int, conf float64) error {
	s.completed = true
	s.completedConf = conf
	return nil
}
func (s *stagingStub) MarkJobError(_ context.Context, _ string, status, msg string) error {
	s.failedStatus = status
	s.failedMsg = msg
	return nil
}
func (s *stagingStub) UpsertStagedEntity(_ context.Context, ent store.StagedEntity) error {
	if s.entityErr != nil {
		return s.entityErr
	}
	s.entities = append(s.entities, ent)
	return nil
}
func (s *stagingStub) UpsertStagedLink(_ context.Context, link store.StagedLink) error {
	s.links = append(s.links, link)
	return nil
}

type filesStub struct {
	content FileContent
	err     error
}

func (f *filesStub) GetFileContent(context.Context, string) (FileContent, error) {
	return f.content, f.err
}

type policyStub struct {
	policy Policy
	found  bool
	err    error
}

func (p *policyStub) LookupPolicy(context.Context, string, string) (Policy, bool, error) {
	return p.policy, p.found, p.err
}

type queueStub struct {
	jobs []streams.JobPayload
	err  error
}

func (q *queueStub) AddJob(_ context.Context, _, _ string, payload streams.JobPayload) error {
	q.jobs = append(q.jobs, payload)
	return q.err
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func scriptJob() store.ExtractionJob {
	return store.ExtractionJob{
		ID:     "job-1",
		OrgID:  "org-1",
		FileID: "file-1",
		Slot:   "script",
		Parser: "script-parser",
	}
}

func plainText(text string) FileContent {
	return FileContent{Text: text, Metadata: map[string]interface{}{"mime_type": "text/plain"}}
}

func TestRunExtractionStagesEntitiesAndLinks(t *testing.T) {
	staging := &stagingStub{job: scriptJob()}
	queue := &queueStub{}
	eng := NewEngine(testLogger(), staging, &filesStub{content: plainText(twoSceneScript)},
		DefaultRegistry(), &policyStub{}, queue)

	res, err := eng.RunExtraction(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run extraction: %v", err)
	}
	if res.EntitiesCount != 4 {
		t.Fatalf("expected 4 staged entities (2 scenes + 2 characters), got %d", res.EntitiesCount)
	}
	if res.LinksCount != 3 {
		t.Fatalf("expected 3 staged links, got %d", res.LinksCount)
	}
	if !staging.completed {
		t.Fatal("expected job marked completed")
	}
	if len(staging.entities) != 4 || len(staging.links) != 3 {
		t.Fatalf("expected staged rows written, got %d entities %d links", len(staging.entities), len(staging.links))
	}
	for _, ent := range staging.entities {
		if ent.Hash == "" {
			t.Fatal("staged entities must carry a content hash")
		}
	}
	for _, link := range staging.links {
		if link.FromHash == "" || link.ToHash == "" {
			t.Fatal("staged links must carry resolved endpoint hashes")
		}
	}
	if len(queue.jobs) != 0 {
		t.Fatal("no auto-promotion without a policy")
	}
}

func TestRunExtractionIsIdempotent(t *testing.T) {
	staging := &stagingStub{job: scriptJob()}
	eng := NewEngine(testLogger(), staging, &filesStub{content: plainText(twoSceneScript)},
		DefaultRegistry(), &policyStub{}, &queueStub{})

	ctx := context.Background()
	if _, err := eng.RunExtraction(ctx, "job-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstHashes := make([]string, len(staging.entities))
	for i, ent := range staging.entities {
		firstHashes[i] = ent.Hash
	}

	if _, err := eng.RunExtraction(ctx, "job-1"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := staging.entities[len(firstHashes):]
	if len(second) != len(firstHashes) {
		t.Fatalf("expected same staging writes on re-run, got %d vs %d", len(second), len(firstHashes))
	}
	for i, ent := range second {
		if ent.Hash != firstHashes[i] {
			t.Fatalf("re-run hash %d differs: %s vs %s", i, ent.Hash, firstHashes[i])
		}
	}
}

func TestRunExtractionParserFailureMarksJobFailed(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("script-parser", "text/plain", func(string, map[string]interface{}) (ParseResult, error) {
		return ParseResult{}, fmt.Errorf("malformed scene heading")
	})
	staging := &stagingStub{job: scriptJob()}
	eng := NewEngine(testLogger(), staging, &filesStub{content: plainText("whatever")},
		registry, &policyStub{}, &queueStub{})

	_, err := eng.RunExtraction(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected parser error to propagate")
	}
	if !IsParserError(err) {
		t.Fatalf("expected ParserError, got %T", err)
	}
	if staging.failedStatus != store.JobStatusFailed {
		t.Fatalf("expected job failed, got %q", staging.failedStatus)
	}
	if staging.completed {
		t.Fatal("failed job must not be marked completed")
	}
}

func TestRunExtractionMissingParserFails(t *testing.T) {
	staging := &stagingStub{job: scriptJob()}
	eng := NewEngine(testLogger(), staging, &filesStub{content: FileContent{Text: "x", Metadata: map[string]interface{}{"mime_type": "application/pdf"}}},
		DefaultRegistry(), &policyStub{}, &queueStub{})

	_, err := eng.RunExtraction(context.Background(), "job-1")
	if !IsParserError(err) {
		t.Fatalf("expected ParserError for unregistered mime type, got %v", err)
	}
}

func TestRunExtractionStagingErrorMarksJobFailed(t *testing.T) {
	staging := &stagingStub{job: scriptJob(), entityErr: fmt.Errorf("staging table unavailable")}
	eng := NewEngine(testLogger(), staging, &filesStub{content: plainText(twoSceneScript)},
		DefaultRegistry(), &policyStub{}, &queueStub{})

	_, err := eng.RunExtraction(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected staging error to propagate")
	}
	if staging.failedStatus != store.JobStatusFailed {
		t.Fatalf("job left in %q instead of failed", staging.failedStatus)
	}
	if staging.failedMsg == "" {
		t.Fatal("staging error not persisted on the job")
	}
	if staging.completed {
		t.Fatal("failed job must not be marked completed")
	}
}

func TestRunExtractionAutoPromotes(t *testing.T) {
	staging := &stagingStub{job: scriptJob()}
	queue := &queueStub{}
	eng := NewEngine(testLogger(), staging, &filesStub{content: plainText(twoSceneScript)},
		DefaultRegistry(), &policyStub{policy: Policy{MinConfidence: 0.8, FeatureFlag: true, Enabled: true}, found: true}, queue)

	res, err := eng.RunExtraction(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run extraction: %v", err)
	}
	if !res.AutoPromoted {
		t.Fatal("expected auto-promotion to fire")
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("expected one promotion job enqueued, got %d", len(queue.jobs))
	}
	if queue.jobs[0].JobID != "job-1" {
		t.Fatalf("promotion job references wrong extraction job: %s", queue.jobs[0].JobID)
	}
	if auto, _ := queue.jobs[0].Metadata["auto_promoted"].(bool); !auto {
		t.Fatal("promotion payload must be marked auto_promoted")
	}
}

func TestJobConfidence(t *testing.T) {
	cases := []struct {
		name     string
		entities []float64
		links    []float64
		want     float64
	}{
		{"both", []float64{0.9, 0.7}, []float64{0.6}, 0.7},
		{"entities only", []float64{0.9, 0.8}, nil, 0.85},
		{"links only", nil, []float64{0.5}, 0.5},
		{"empty", nil, nil, 0},
	}
	for _, tc := range cases {
		got := JobConfidence(tc.entities, tc.links)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestShouldAutoPromote(t *testing.T) {
	if ShouldAutoPromote(0.9, Policy{MinConfidence: 0.95, FeatureFlag: true, Enabled: true}) {
		t.Fatal("0.9 must not pass a 0.95 gate")
	}
	if !ShouldAutoPromote(0.9, Policy{MinConfidence: 0.8, FeatureFlag: true, Enabled: true}) {
		t.Fatal("0.9 must pass a 0.8 gate")
	}
	if ShouldAutoPromote(0.99, Policy{MinConfidence: 0.8, FeatureFlag: false, Enabled: true}) {
		t.Fatal("gate must be closed when the feature flag is off")
	}
	if ShouldAutoPromote(0.99, Policy{MinConfidence: 0.8, FeatureFlag: true, Enabled: false}) {
		t.Fatal("gate must be closed when the policy is disabled")
	}
}

func TestRunExtractionSkipsAutoPromotionWhenPolicyDisabled(t *testing.T) {
	staging := &stagingStub{job: scriptJob()}
	queue := &queueStub{}
	eng := NewEngine(testLogger(), staging, &filesStub{content: plainText(twoSceneScript)},
		DefaultRegistry(), &policyStub{policy: Policy{MinConfidence: 0.1, FeatureFlag: true, Enabled: false}, found: true}, queue)

	res, err := eng.RunExtraction(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run extraction: %v", err)
	}
	if res.AutoPromoted {
		t.Fatal("disabled policy must not auto-promote")
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("promotion enqueued despite disabled policy: %d", len(queue.jobs))
	}
}
