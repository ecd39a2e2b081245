package pipeline

import (
	"time"

	"github.com/queryloom/queryloom/internal/catalog"
)

const (
	StepRephrase   = "rephrase_question"
	StepIntent     = "intent_identification"
	StepColumns    = "column_identification"
	StepRetrieval  = "example_retrieval"
	StepGeneration = "sql_generation"
	StepExecution  = "sql_execution"
)

// StepUsage is the per-stage cost record. Local stages carry zero tokens
// but still record timing.
type StepUsage struct {
	Name             string    `json:"name"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
}

func (s StepUsage) TotalTokens() int {
	return s.PromptTokens + s.CompletionTokens
}

// Note is one entry in a run's error list. Fatal notes abort the
// remaining stages; non-fatal ones record degradation without stopping.
type Note struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// State is the run-state record for one question. It is exclusive to a
// single orchestrator invocation and is finalized before being returned.
type State struct {
	Username  string `json:"username"`
	Question  string `json:"question"`
	Rephrased string `json:"rephrased_question"`

	Intent      string                    `json:"intent,omitempty"`
	Keywords    []string                  `json:"keywords,omitempty"`
	Tables      []string                  `json:"tables,omitempty"`
	Columns     map[string][]string       `json:"columns,omitempty"`
	Corrections map[string]string         `json:"corrections,omitempty"`
	Joins       []catalog.JoinInstruction `json:"joins,omitempty"`

	Examples          map[string]string `json:"examples,omitempty"`
	MatchedIndices    []int             `json:"matched_indices,omitempty"`
	SimilarityFlag    bool              `json:"similarity_flag"`
	RetrievalDegraded bool              `json:"retrieval_degraded,omitempty"`

	SQL  string           `json:"sql"`
	Rows []map[string]any `json:"rows"`

	Steps            []StepUsage `json:"steps"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`

	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	ElapsedSeconds float64   `json:"time_taken_in_seconds"`

	Errors    []Note `json:"errors,omitempty"`
	Succeeded bool   `json:"succeeded"`
}

func (s *State) addStep(step StepUsage) {
	s.Steps = append(s.Steps, step)
}

func (s *State) warn(stage, message string) {
	s.Errors = append(s.Errors, Note{Stage: stage, Message: message})
}

func (s *State) fail(stage, message string) {
	s.Errors = append(s.Errors, Note{Stage: stage, Message: message, Fatal: true})
}

func (s *State) fatal() bool {
	for _, note := range s.Errors {
		if note.Fatal {
			return true
		}
	}
	return false
}
