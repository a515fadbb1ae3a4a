package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCASJobStatusClaims(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE extraction_job SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2")).
		WithArgs("job-1", JobStatusCompleted, JobStatusPromoting, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.CASJobStatus(context.Background(), "job-1", JobStatusCompleted, JobStatusPromoting)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCASJobStatusLosesRace(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE extraction_job")).
		WithArgs("job-1", JobStatusCompleted, JobStatusPromoting, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.CASJobStatus(context.Background(), "job-1", JobStatusCompleted, JobStatusPromoting)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if ok {
		t.Fatal("expected claim to lose when status changed underneath")
	}
}

func TestGetExtractionJobNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, org_id, file_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetExtractionJob(context.Background(), "ghost")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetContentClusterMissingRowIsEmpty(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT file_id, entities_count, links_count, cross_layer_links_count, status")).
		WithArgs("file-1").
		WillReturnRows(sqlmock.NewRows([]string{"file_id"}))

	cluster, err := st.GetContentCluster(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	if cluster.FileID != "file-1" || cluster.EntitiesCount != 0 || cluster.Status != ClusterStatusEmpty {
		t.Fatalf("cluster = %+v", cluster)
	}
}
