// Package testutil provides shared fixtures and assertions for SyncPipe tests.
package testutil

import (
	"context"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// TestingT is the subset of testing.TB used by the helpers.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Default fixture values.
const (
	FormName     = "membership"
	TargetModule = "Leads"
)

// NewSubmission returns a valid membership submission with the given id.
func NewSubmission(id string) *models.Submission {
	return &models.Submission{
		ID:           id,
		FormName:     FormName,
		TargetModule: TargetModule,
		Payload: models.Payload{
			{Name: "email", Value: "member@example.org"},
			{Name: "full_name", Value: "Ada Lovelace"},
		},
	}
}

// SeedSubmissions stores subs, filling an empty form name, target module or
// payload from the fixture defaults.
func SeedSubmissions(t TestingT, repo store.SubmissionRepo, subs ...models.Submission) {
	t.Helper()
	for i := range subs {
		s := subs[i]
		def := NewSubmission(s.ID)
		if s.FormName == "" {
			s.FormName = def.FormName
		}
		if s.TargetModule == "" {
			s.TargetModule = def.TargetModule
		}
		if len(s.Payload) == 0 {
			s.Payload = def.Payload
		}
		if err := repo.CreateSubmission(context.Background(), &s); err != nil {
			t.Fatalf("failed to seed submission %s: %v", s.ID, err)
		}
	}
}

// AssertSubmissionState loads id and checks both status fields. It returns
// the stored submission for further checks.
func AssertSubmissionState(t TestingT, repo store.SubmissionRepo, id string, sync models.SyncStatus, processing models.ProcessingStatus) *models.Submission {
	t.Helper()
	sub, err := repo.FindSubmission(context.Background(), id)
	if err != nil {
		t.Fatalf("FindSubmission(%s) failed: %v", id, err)
		return nil
	}
	if sub == nil {
		t.Fatalf("submission %s not found", id)
		return nil
	}
	if sub.SyncStatus != sync || sub.ProcessingStatus != processing {
		t.Errorf("submission %s: status = %s/%s, want %s/%s", id, sub.SyncStatus, sub.ProcessingStatus, sync, processing)
	}
	return sub
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}
