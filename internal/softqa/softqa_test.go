package softqa

import (
	"context"
	"strings"
	"testing"

	"github.com/locflow/locflow/internal/model"
	"github.com/locflow/locflow/internal/scheduler"
)

type fakeRunner struct {
	req     *scheduler.Request
	results []scheduler.RowResult
}

func (f *fakeRunner) Run(_ context.Context, req scheduler.Request) ([]scheduler.RowResult, error) {
	f.req = &req
	return f.results, nil
}

func TestReview_CollectsIssuesAndSkipsOK(t *testing.T) {
	runner := &fakeRunner{results: []scheduler.RowResult{
		{StringID: "A", Text: "ok"},
		{StringID: "B", Text: "issue", Fields: map[string]string{
			"verdict": "issue", "issue": "too literal", "suggestion": "Bis bald!",
		}},
	}}
	stage := NewStage(runner, "German")

	rows := []model.Row{
		{StringID: "A", SourceText: "Hello"},
		{StringID: "B", SourceText: "See you"},
		{StringID: "C", SourceText: "Untranslated"},
	}
	targets := map[string]string{"A": "Hallo", "B": "Auf Wiedersehen sagen wir", "C": ""}

	issues, err := stage.Review(context.Background(), rows, targets)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("issues = %+v", issues)
	}
	if issues[0].StringID != "B" || issues[0].Detail != "too literal" || issues[0].Suggestion != "Bis bald!" {
		t.Fatalf("issue = %+v", issues[0])
	}

	if runner.req.Step != Step || runner.req.ResultField != "verdict" {
		t.Fatalf("request = %+v", runner.req)
	}
	// Row C has no target and never reaches the reviewer.
	if len(runner.req.Rows) != 2 {
		t.Fatalf("reviewed rows = %d", len(runner.req.Rows))
	}
	payload := runner.req.UserPrompt(runner.req.Rows)
	if !strings.Contains(payload, "Auf Wiedersehen") || strings.Contains(payload, "Untranslated") {
		t.Fatalf("payload = %s", payload)
	}
}

func TestReview_NothingToReview(t *testing.T) {
	stage := NewStage(&fakeRunner{}, "German")
	issues, err := stage.Review(context.Background(), []model.Row{{StringID: "A"}}, map[string]string{})
	if err != nil || issues != nil {
		t.Fatalf("got %v, %v", issues, err)
	}
}
