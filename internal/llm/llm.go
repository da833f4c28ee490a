package llm

import (
	"context"
	"fmt"
	"strings"
)

// Decision is the three-way end-of-turn verdict.
type Decision string

const (
	DecisionDone     Decision = "done"
	DecisionContinue Decision = "continue"
	DecisionAsk      Decision = "ask"
)

// ParseDecision accepts the verdict words case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionDone, DecisionContinue, DecisionAsk:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// TurnRequest is the transcript snapshot sent for classification.
type TurnRequest struct {
	Question   string
	Transcript string
}

// Classification is the service's answer for one TurnRequest.
type Classification struct {
	Decision         Decision `json:"decision"`
	Reason           string   `json:"reason"`
	PromptTokens     int      `json:"-"`
	CompletionTokens int      `json:"-"`
}

// Client defines the interface for end-of-turn classification providers.
type Client interface {
	// ClassifyTurn decides whether the candidate has finished answering.
	ClassifyTurn(ctx context.Context, req TurnRequest) (Classification, error)
}
