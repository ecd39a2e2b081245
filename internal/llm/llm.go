package llm

import (
	"context"
	"errors"
	"fmt"
)

type Shape string

const (
	ShapeText Shape = "text"
	ShapeJSON Shape = "json"
)

type Request struct {
	Prompt string
	Shape  Shape
	Step   string
}

type Response struct {
	Output           string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

func (r Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

type Kind int

const (
	KindGeneric Kind = iota
	KindQuota
)

// Error distinguishes quota exhaustion from generic call failures so the
// pipeline can surface the right audit status.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Kind == KindQuota {
		return fmt.Sprintf("language model quota exhausted: %s", e.Message)
	}
	return fmt.Sprintf("language model call failed: %s", e.Message)
}

func IsQuota(err error) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.Kind == KindQuota
}

type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
