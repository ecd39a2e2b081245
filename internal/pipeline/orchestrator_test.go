package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/queryloom/queryloom/internal/catalog"
	"github.com/queryloom/queryloom/internal/embed"
	"github.com/queryloom/queryloom/internal/ledger"
	"github.com/queryloom/queryloom/internal/llm"
	"github.com/queryloom/queryloom/internal/prompt"
	"github.com/queryloom/queryloom/internal/retrieval"
)

type fakeLLM struct {
	responses map[string]llm.Response
	errs      map[string]error
	calls     []string
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.calls = append(f.calls, req.Step)
	if err := f.errs[req.Step]; err != nil {
		return llm.Response{}, err
	}
	return f.responses[req.Step], nil
}

type fakeRunner struct {
	rows []map[string]any
	err  error
	sql  string
}

func (f *fakeRunner) Execute(_ context.Context, sqlText string) ([]map[string]any, error) {
	f.sql = sqlText
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeRunner) HealthCheck(context.Context) error { return nil }

type fakeLedger struct {
	runs   []ledger.RunRecord
	steps  map[int64][]ledger.StepRecord
	runErr error
}

func (f *fakeLedger) RecordRun(_ context.Context, run ledger.RunRecord) (int64, error) {
	if f.runErr != nil {
		return 0, f.runErr
	}
	f.runs = append(f.runs, run)
	return int64(len(f.runs)), nil
}

func (f *fakeLedger) RecordSteps(_ context.Context, masterID int64, steps []ledger.StepRecord) error {
	if f.steps == nil {
		f.steps = map[int64][]ledger.StepRecord{}
	}
	f.steps[masterID] = steps
	return nil
}

type flatEmbedder struct{}

func (flatEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vector := []float64{1, float64(len(text) % 7)}
	return embed.Normalize(vector), nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		[]string{"branch_master", "loans_disbursement"},
		map[string]catalog.TableDescriptor{
			"branch_master":      {Columns: []string{"branch_id", "branch_name", "district"}},
			"loans_disbursement": {Columns: []string{"branch_id", "amount", "disbursed_on"}},
		},
		map[string]map[string]string{
			"branch_master": {"loans_disbursement": "join on branch_id"},
			"loans_disbursement": {"branch_master": "NA"},
		},
	)
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	return cat
}

func testIndex(t *testing.T) *retrieval.Index {
	t.Helper()
	corpus := []retrieval.ExampleRecord{
		{Index: 0, Question: "how many branches are in district Pune", SQL: "select count(*) from branch_master where district = 'Pune'"},
		{Index: 1, Question: "total disbursement amount for January", SQL: "select sum(amount) from loans_disbursement"},
		{Index: 2, Question: "list all branch names", SQL: "select branch_name from branch_master"},
	}
	index, err := retrieval.NewIndex(corpus, flatEmbedder{}, retrieval.Options{}, discardLogger())
	if err != nil {
		t.Fatalf("retrieval.NewIndex() error = %v", err)
	}
	if err := index.BuildDenseIndex(context.Background()); err != nil {
		t.Fatalf("BuildDenseIndex() error = %v", err)
	}
	return index
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClock() func() time.Time {
	current := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(250 * time.Millisecond)
		return current
	}
}

func happyLLM() *fakeLLM {
	return &fakeLLM{responses: map[string]llm.Response{
		StepIntent: {
			Output:           "```json\n{\"tables\": [\"branch_mstr\", \"loans_disb\"], \"keywords\": [\"disbursement\"]}\n```",
			PromptTokens:     100,
			CompletionTokens: 20,
		},
		StepColumns: {
			Output:           `{"branch_mstr": ["branch_id", "district"], "loans_disb": ["branch_id", "amount"]}`,
			PromptTokens:     150,
			CompletionTokens: 30,
		},
		StepGeneration: {
			Output:           "```sql\nquery: select sum(l.\"amount\") from loans_disbursement l join branch_master b on l.branch_id = b.branch_id\n```",
			PromptTokens:     200,
			CompletionTokens: 50,
		},
	}}
}

func newTestOrchestrator(t *testing.T, model *fakeLLM, runner *fakeRunner, audit *fakeLedger) *Orchestrator {
	t.Helper()
	prompts, err := prompt.Load()
	if err != nil {
		t.Fatalf("prompt.Load() error = %v", err)
	}
	orchestrator, err := New(Options{
		Catalog:  testCatalog(t),
		Index:    testIndex(t),
		LLM:      model,
		Executor: runner,
		Ledger:   audit,
		Prompts:  prompts,
		Logger:   discardLogger(),
		Now:      testClock(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return orchestrator
}

func TestRunHappyPath(t *testing.T) {
	model := happyLLM()
	runner := &fakeRunner{rows: []map[string]any{{"sum": int64(420000)}}}
	audit := &fakeLedger{}
	orchestrator := newTestOrchestrator(t, model, runner, audit)

	state := orchestrator.Run(context.Background(), "analyst1", "total disbursement for Pune in jan")

	if !state.Succeeded {
		t.Fatalf("state.Errors = %v", state.Errors)
	}
	if state.Rephrased != "total disbursement amount for district Pune in January" {
		t.Fatalf("state.Rephrased = %q", state.Rephrased)
	}
	if len(state.Tables) != 2 || state.Tables[0] != "branch_master" || state.Tables[1] != "loans_disbursement" {
		t.Fatalf("state.Tables = %v", state.Tables)
	}
	if state.Corrections["branch_mstr"] != "branch_master" || state.Corrections["loans_disb"] != "loans_disbursement" {
		t.Fatalf("state.Corrections = %v", state.Corrections)
	}
	if got := state.Columns["loans_disbursement"]; len(got) != 2 || got[1] != `"amount"` {
		t.Fatalf("state.Columns = %v", state.Columns)
	}
	if len(state.Joins) != 1 || state.Joins[0].Instruction != "join on branch_id" {
		t.Fatalf("state.Joins = %v", state.Joins)
	}
	if len(state.Rows) != 1 {
		t.Fatalf("state.Rows = %v", state.Rows)
	}
	if state.PromptTokens != 450 || state.CompletionTokens != 100 || state.TotalTokens != 550 {
		t.Fatalf("token totals = %d/%d/%d", state.PromptTokens, state.CompletionTokens, state.TotalTokens)
	}

	wantSteps := []string{StepRephrase, StepIntent, StepColumns, StepRetrieval, StepGeneration, StepExecution}
	if len(state.Steps) != len(wantSteps) {
		t.Fatalf("len(state.Steps) = %d, want %d", len(state.Steps), len(wantSteps))
	}
	for i, step := range state.Steps {
		if step.Name != wantSteps[i] {
			t.Fatalf("state.Steps[%d].Name = %q, want %q", i, step.Name, wantSteps[i])
		}
		if !step.EndTime.After(step.StartTime) {
			t.Fatalf("step %q has no elapsed time", step.Name)
		}
	}

	if len(audit.runs) != 1 {
		t.Fatalf("len(audit.runs) = %d", len(audit.runs))
	}
	run := audit.runs[0]
	if !run.Status || run.Username != "analyst1" || run.TotalTokens != 550 {
		t.Fatalf("audit run = %+v", run)
	}
	if len(audit.steps[1]) != len(wantSteps) {
		t.Fatalf("audit steps = %v", audit.steps)
	}
}

func TestRunQuotaDuringGeneration(t *testing.T) {
	model := happyLLM()
	model.errs = map[string]error{
		StepGeneration: &llm.Error{Kind: llm.KindQuota, Message: "ResourceExhausted: quota exceeded"},
	}
	runner := &fakeRunner{rows: []map[string]any{{"sum": int64(1)}}}
	audit := &fakeLedger{}
	orchestrator := newTestOrchestrator(t, model, runner, audit)

	state := orchestrator.Run(context.Background(), "analyst1", "total disbursement for Pune")

	fatalCount := 0
	for _, note := range state.Errors {
		if note.Fatal {
			fatalCount++
		}
	}
	if fatalCount != 1 {
		t.Fatalf("fatal notes = %d, errors = %v", fatalCount, state.Errors)
	}
	if state.SQL != "" {
		t.Fatalf("state.SQL = %q, want empty", state.SQL)
	}
	if runner.sql != "" {
		t.Fatalf("executor was called with %q", runner.sql)
	}
	if len(state.Rows) != 0 {
		t.Fatalf("state.Rows = %v", state.Rows)
	}
	if state.Succeeded {
		t.Fatal("state.Succeeded = true, want false")
	}

	if len(audit.runs) != 1 {
		t.Fatalf("len(audit.runs) = %d", len(audit.runs))
	}
	if audit.runs[0].Status {
		t.Fatal("audit run status = true, want false")
	}
	if audit.runs[0].Query != "" {
		t.Fatalf("audit run query = %q", audit.runs[0].Query)
	}
}

func TestRunMalformedIntentAbortsRemainingStages(t *testing.T) {
	model := happyLLM()
	model.responses[StepIntent] = llm.Response{Output: "not json", PromptTokens: 10, CompletionTokens: 2}
	audit := &fakeLedger{}
	orchestrator := newTestOrchestrator(t, model, &fakeRunner{}, audit)

	state := orchestrator.Run(context.Background(), "analyst1", "list branches")

	if state.Succeeded {
		t.Fatal("state.Succeeded = true, want false")
	}
	if len(model.calls) != 1 || model.calls[0] != StepIntent {
		t.Fatalf("model.calls = %v", model.calls)
	}
	if len(audit.runs) != 1 {
		t.Fatalf("len(audit.runs) = %d", len(audit.runs))
	}
}

func TestRunExecutionErrorYieldsEmptyRows(t *testing.T) {
	model := happyLLM()
	runner := &fakeRunner{err: errors.New(`relation "loans_disbursement" does not exist`)}
	audit := &fakeLedger{}
	orchestrator := newTestOrchestrator(t, model, runner, audit)

	state := orchestrator.Run(context.Background(), "analyst1", "total disbursement for Pune")

	if !state.Succeeded {
		t.Fatalf("state.Errors = %v", state.Errors)
	}
	if len(state.Rows) != 0 {
		t.Fatalf("state.Rows = %v", state.Rows)
	}
	found := false
	for _, note := range state.Errors {
		if note.Stage == StepExecution && !note.Fatal {
			found = true
		}
	}
	if !found {
		t.Fatalf("state.Errors = %v, want execution note", state.Errors)
	}
	if len(audit.runs) != 1 || !audit.runs[0].Status {
		t.Fatalf("audit.runs = %+v", audit.runs)
	}
	if audit.runs[0].Response != "[]" {
		t.Fatalf("audit response = %q", audit.runs[0].Response)
	}
}

func TestRunEmptyGeneratedSQLSkipsExecution(t *testing.T) {
	model := happyLLM()
	model.responses[StepGeneration] = llm.Response{Output: "```sql\n```", PromptTokens: 5, CompletionTokens: 1}
	runner := &fakeRunner{rows: []map[string]any{{"n": int64(1)}}}
	orchestrator := newTestOrchestrator(t, model, runner, &fakeLedger{})

	state := orchestrator.Run(context.Background(), "analyst1", "total disbursement for Pune")

	if runner.sql != "" {
		t.Fatalf("executor was called with %q", runner.sql)
	}
	if len(state.Rows) != 0 {
		t.Fatalf("state.Rows = %v", state.Rows)
	}
	for _, step := range state.Steps {
		if step.Name == StepExecution {
			t.Fatal("execution step recorded for empty sql")
		}
	}
}

func TestRunLedgerFailureDoesNotChangeResponse(t *testing.T) {
	model := happyLLM()
	runner := &fakeRunner{rows: []map[string]any{{"sum": int64(9)}}}
	audit := &fakeLedger{runErr: errors.New("ledger file locked")}
	orchestrator := newTestOrchestrator(t, model, runner, audit)

	state := orchestrator.Run(context.Background(), "analyst1", "total disbursement for Pune")

	if !state.Succeeded {
		t.Fatalf("state.Errors = %v", state.Errors)
	}
	if len(state.Rows) != 1 {
		t.Fatalf("state.Rows = %v", state.Rows)
	}
}

func TestRunDroppedTableRecordsWarning(t *testing.T) {
	model := happyLLM()
	model.responses[StepIntent] = llm.Response{
		Output:           `{"tables": ["branch_mstr", "no_such_table_at_all"], "keywords": []}`,
		PromptTokens:     10,
		CompletionTokens: 5,
	}
	orchestrator := newTestOrchestrator(t, model, &fakeRunner{}, &fakeLedger{})

	state := orchestrator.Run(context.Background(), "analyst1", "list branches")

	if len(state.Tables) != 1 || state.Tables[0] != "branch_master" {
		t.Fatalf("state.Tables = %v", state.Tables)
	}
	warned := false
	for _, note := range state.Errors {
		if !note.Fatal {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("state.Errors = %v, want dropped-table warning", state.Errors)
	}
}
