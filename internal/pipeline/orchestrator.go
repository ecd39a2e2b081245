package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/queryloom/queryloom/internal/catalog"
	"github.com/queryloom/queryloom/internal/executor"
	"github.com/queryloom/queryloom/internal/ledger"
	"github.com/queryloom/queryloom/internal/llm"
	"github.com/queryloom/queryloom/internal/observability"
	"github.com/queryloom/queryloom/internal/prompt"
	"github.com/queryloom/queryloom/internal/resolve"
	"github.com/queryloom/queryloom/internal/retrieval"
)

const defaultTopK = 2

type Options struct {
	Catalog   *catalog.Catalog
	Resolver  *resolve.Resolver
	Joins     *resolve.JoinResolver
	Index     *retrieval.Index
	LLM       llm.Client
	Executor  executor.Runner
	Ledger    ledger.Recorder
	Prompts   *prompt.Library
	Rephraser *Rephraser
	Logger    *slog.Logger
	TopK      int
	Now       func() time.Time
}

// Orchestrator runs one question through the fixed stage sequence and
// always returns a finalized State, never a raw error. Fatal stage
// failures abort the remaining stages; the partial state is still
// finalized and audited.
type Orchestrator struct {
	catalog   *catalog.Catalog
	resolver  *resolve.Resolver
	joins     *resolve.JoinResolver
	index     *retrieval.Index
	llm       llm.Client
	executor  executor.Runner
	ledger    ledger.Recorder
	prompts   *prompt.Library
	rephraser *Rephraser
	logger    *slog.Logger
	topK      int
	now       func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = resolve.NewResolver(opts.Catalog)
	}
	if opts.Joins == nil {
		opts.Joins = resolve.NewJoinResolver(opts.Catalog)
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("retrieval index is required")
	}
	if opts.LLM == nil {
		return nil, fmt.Errorf("language model client is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Prompts == nil {
		return nil, fmt.Errorf("prompt library is required")
	}
	if opts.Rephraser == nil {
		opts.Rephraser = NewRephraser(DefaultLocations())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TopK < 1 {
		opts.TopK = defaultTopK
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		catalog:   opts.Catalog,
		resolver:  opts.Resolver,
		joins:     opts.Joins,
		index:     opts.Index,
		llm:       opts.LLM,
		executor:  opts.Executor,
		ledger:    opts.Ledger,
		prompts:   opts.Prompts,
		rephraser: opts.Rephraser,
		logger:    opts.Logger,
		topK:      opts.TopK,
		now:       opts.Now,
	}, nil
}

func (o *Orchestrator) Run(ctx context.Context, username, question string) *State {
	state := &State{
		Username:  username,
		Question:  question,
		StartTime: o.now(),
		Rows:      []map[string]any{},
	}

	o.rephrase(state)
	if !state.fatal() {
		o.extractIntent(ctx, state)
	}
	if !state.fatal() {
		o.identifyColumns(ctx, state)
	}
	if !state.fatal() {
		o.resolveSchema(ctx, state)
		o.resolveJoins(state)
		o.retrieveExamples(ctx, state)
	}
	if !state.fatal() {
		o.generateSQL(ctx, state)
	}
	if !state.fatal() && state.SQL != "" {
		o.executeSQL(ctx, state)
	}

	o.finalize(ctx, state)
	o.persistAudit(ctx, state)
	return state
}

func (o *Orchestrator) rephrase(state *State) {
	start := o.now()
	state.Rephrased = o.rephraser.Rephrase(state.Question)
	o.record(state, StepRephrase, 0, 0, start)
}

func (o *Orchestrator) extractIntent(ctx context.Context, state *State) {
	start := o.now()
	rendered, err := o.prompts.Render("intent", map[string]string{
		"question": state.Rephrased,
		"tables":   strings.Join(o.catalog.CanonicalTables(), "\n"),
	})
	if err != nil {
		state.fail(StepIntent, err.Error())
		o.record(state, StepIntent, 0, 0, start)
		return
	}

	response, err := o.llm.Complete(ctx, llm.Request{Prompt: rendered, Shape: llm.ShapeJSON, Step: StepIntent})
	if err != nil {
		state.fail(StepIntent, err.Error())
		o.record(state, StepIntent, 0, 0, start)
		return
	}

	payload, err := parseIntent(response.Output)
	if err != nil {
		state.fail(StepIntent, err.Error())
		o.record(state, StepIntent, response.PromptTokens, response.CompletionTokens, start)
		return
	}

	state.Intent = stripCodeFences(response.Output)
	state.Tables = payload.Tables
	state.Keywords = payload.Keywords
	o.record(state, StepIntent, response.PromptTokens, response.CompletionTokens, start)
}

func (o *Orchestrator) identifyColumns(ctx context.Context, state *State) {
	start := o.now()
	rendered, err := o.prompts.Render("column", map[string]string{
		"question": state.Rephrased,
		"intent":   state.Intent,
		"columns":  o.columnCatalog(state.Tables),
	})
	if err != nil {
		state.fail(StepColumns, err.Error())
		o.record(state, StepColumns, 0, 0, start)
		return
	}

	response, err := o.llm.Complete(ctx, llm.Request{Prompt: rendered, Shape: llm.ShapeJSON, Step: StepColumns})
	if err != nil {
		state.fail(StepColumns, err.Error())
		o.record(state, StepColumns, 0, 0, start)
		return
	}

	columns, err := parseColumnMap(response.Output)
	if err != nil {
		state.fail(StepColumns, err.Error())
		o.record(state, StepColumns, response.PromptTokens, response.CompletionTokens, start)
		return
	}

	state.Columns = columns
	o.record(state, StepColumns, response.PromptTokens, response.CompletionTokens, start)
}

func (o *Orchestrator) resolveSchema(ctx context.Context, state *State) {
	resolution := o.resolver.Resolve(state.Tables, state.Columns)
	state.Tables = resolution.Tables
	state.Columns = resolution.Columns
	state.Corrections = resolution.Corrections
	for _, dropped := range resolution.Dropped {
		state.warn("schema_resolution", fmt.Sprintf("table %q matched no canonical name and was dropped", dropped))
		o.logger.WarnContext(ctx, "dropped unresolvable table",
			slog.String("table", dropped),
			slog.String("user", state.Username),
		)
	}
}

func (o *Orchestrator) resolveJoins(state *State) {
	state.Joins = o.joins.Resolve(state.Tables)
}

func (o *Orchestrator) retrieveExamples(ctx context.Context, state *State) {
	start := o.now()
	result, err := o.index.Retrieve(ctx, state.Rephrased, o.topK)
	if err != nil {
		state.warn(StepRetrieval, err.Error())
		o.record(state, StepRetrieval, 0, 0, start)
		return
	}
	state.Examples = result.Examples
	state.MatchedIndices = result.MatchedIndices
	state.SimilarityFlag = result.SimilarityFlag
	state.RetrievalDegraded = result.Degraded
	if result.Degraded {
		state.warn(StepRetrieval, "embedding unavailable, retrieval degraded to lexical-only ranking")
	}
	o.record(state, StepRetrieval, 0, 0, start)
}

func (o *Orchestrator) generateSQL(ctx context.Context, state *State) {
	start := o.now()
	rendered, err := o.prompts.Render("sql", map[string]string{
		"question": state.Rephrased,
		"tables":   strings.Join(state.Tables, ", "),
		"columns":  formatColumnMap(state.Columns),
		"joins":    formatJoins(state.Joins),
		"examples": formatExamples(state.Examples),
	})
	if err != nil {
		state.fail(StepGeneration, err.Error())
		o.record(state, StepGeneration, 0, 0, start)
		return
	}

	response, err := o.llm.Complete(ctx, llm.Request{Prompt: rendered, Shape: llm.ShapeText, Step: StepGeneration})
	if err != nil {
		state.fail(StepGeneration, err.Error())
		o.record(state, StepGeneration, 0, 0, start)
		if llm.IsQuota(err) {
			o.logger.ErrorContext(ctx, "language model quota exhausted during sql generation",
				slog.String("user", state.Username),
			)
		}
		return
	}

	state.SQL = cleanGeneratedSQL(response.Output)
	if state.SQL == "" {
		state.warn(StepGeneration, "model returned an empty query, skipping execution")
	}
	o.record(state, StepGeneration, response.PromptTokens, response.CompletionTokens, start)
}

func (o *Orchestrator) executeSQL(ctx context.Context, state *State) {
	start := o.now()
	rows, err := o.executor.Execute(ctx, state.SQL)
	if err != nil {
		state.warn(StepExecution, err.Error())
		state.Rows = []map[string]any{}
		o.record(state, StepExecution, 0, 0, start)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	state.Rows = rows
	o.record(state, StepExecution, 0, 0, start)
}

func (o *Orchestrator) finalize(ctx context.Context, state *State) {
	state.EndTime = o.now()
	state.ElapsedSeconds = state.EndTime.Sub(state.StartTime).Seconds()
	for _, step := range state.Steps {
		state.PromptTokens += step.PromptTokens
		state.CompletionTokens += step.CompletionTokens
	}
	state.TotalTokens = state.PromptTokens + state.CompletionTokens
	state.Succeeded = !state.fatal()

	status := "succeeded"
	if !state.Succeeded {
		status = "failed"
	}
	observability.ObservePipelineRun(status, state.PromptTokens, state.CompletionTokens)
	o.logger.InfoContext(ctx, "pipeline run finished",
		slog.String("user", state.Username),
		slog.String("status", status),
		slog.Int("total_tokens", state.TotalTokens),
		slog.Float64("elapsed_seconds", state.ElapsedSeconds),
	)
}

func (o *Orchestrator) persistAudit(ctx context.Context, state *State) {
	if o.ledger == nil {
		return
	}

	masterID, err := o.ledger.RecordRun(ctx, ledger.RunRecord{
		Username:         state.Username,
		Request:          state.Question,
		Response:         encodeRows(state.Rows),
		Status:           state.Succeeded,
		Intent:           state.Intent,
		Query:            state.SQL,
		PromptTokens:     state.PromptTokens,
		CompletionTokens: state.CompletionTokens,
		TotalTokens:      state.TotalTokens,
		StartTime:        state.StartTime,
		EndTime:          state.EndTime,
		TimeTakenSeconds: state.ElapsedSeconds,
	})
	if err != nil {
		observability.ObserveLedgerWrite("error")
		o.logger.ErrorContext(ctx, "audit master write failed", slog.String("error", err.Error()))
		return
	}

	steps := make([]ledger.StepRecord, 0, len(state.Steps))
	for _, step := range state.Steps {
		steps = append(steps, ledger.StepRecord{
			Type:             step.Name,
			PromptTokens:     step.PromptTokens,
			CompletionTokens: step.CompletionTokens,
			TotalTokens:      step.TotalTokens(),
			StartTime:        step.StartTime,
			EndTime:          step.EndTime,
			TimeTakenSeconds: step.EndTime.Sub(step.StartTime).Seconds(),
		})
	}
	if err := o.ledger.RecordSteps(ctx, masterID, steps); err != nil {
		observability.ObserveLedgerWrite("error")
		o.logger.ErrorContext(ctx, "audit step write failed",
			slog.Int64("master_id", masterID),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.ObserveLedgerWrite("ok")
}

func (o *Orchestrator) record(state *State, name string, promptTokens, completionTokens int, start time.Time) {
	end := o.now()
	state.addStep(StepUsage{
		Name:             name,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		StartTime:        start,
		EndTime:          end,
	})
	observability.ObserveStageDuration(name, end.Sub(start))
}

func (o *Orchestrator) columnCatalog(tables []string) string {
	var b strings.Builder
	for _, table := range tables {
		columns := o.catalog.ColumnsFor(resolve.StripQuotes(strings.TrimSpace(table)))
		if len(columns) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", table, strings.Join(columns, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatColumnMap(columns map[string][]string) string {
	tables := make([]string, 0, len(columns))
	for table := range columns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var b strings.Builder
	for _, table := range tables {
		fmt.Fprintf(&b, "%s: %s\n", table, strings.Join(columns[table], ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatJoins(joins []catalog.JoinInstruction) string {
	if len(joins) == 0 {
		return "none"
	}
	lines := make([]string, 0, len(joins))
	for _, join := range joins {
		lines = append(lines, fmt.Sprintf("%s -> %s: %s", join.FromTable, join.ToTable, join.Instruction))
	}
	return strings.Join(lines, "\n")
}

func formatExamples(examples map[string]string) string {
	if len(examples) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(examples))
	for key := range examples {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", key, examples[key]))
	}
	return strings.Join(lines, "\n")
}

func encodeRows(rows []map[string]any) string {
	if len(rows) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
