package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrUnknownModel = errors.New("unknown model")

// Model names understood by the classification service.
const (
	ModelVertex = "vertex"
	ModelGroq   = "groq"
)

// PathNode is one entry of a forced path prefix.
type PathNode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// ClassifyRequest opens a new classification stream.
type ClassifyRequest struct {
	Model              string     `json:"-"`
	Product            string     `json:"product"`
	Interactive        bool       `json:"interactive"`
	MaxQuestions       int        `json:"max_questions"`
	UseMultiHypothesis bool       `json:"use_multi_hypothesis"`
	HypothesisCount    int        `json:"hypothesis_count"`
	ForcedPath         []PathNode `json:"forced_path,omitempty"`
}

// ContinueRequest resumes a paused classification. A nil Answer continues
// from the token without answering anything.
type ContinueRequest struct {
	Model  string          `json:"-"`
	State  json.RawMessage `json:"state"`
	Answer *string         `json:"answer"`
}

// Transport opens event streams against the classification service. The
// returned body is read until EOF and closed by the session.
type Transport interface {
	Classify(ctx context.Context, req ClassifyRequest) (io.ReadCloser, error)
	Continue(ctx context.Context, req ContinueRequest) (io.ReadCloser, error)
}

// Options tune a classification run. The zero value is the service
// default: interactive, with the remaining fields filled in on start.
type Options struct {
	Model           string
	NonInteractive  bool
	MaxQuestions    int
	HypothesisCount int
}

// DefaultOptions mirrors the service defaults: interactive with up to three
// questions and three hypotheses on the vertex model.
func DefaultOptions() Options {
	return Options{
		Model:           ModelVertex,
		MaxQuestions:    3,
		HypothesisCount: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.MaxQuestions <= 0 {
		o.MaxQuestions = d.MaxQuestions
	}
	if o.HypothesisCount <= 0 {
		o.HypothesisCount = d.HypothesisCount
	}
	return o
}

// Validate rejects unknown models.
func (o Options) Validate() error {
	switch o.Model {
	case "", ModelVertex, ModelGroq:
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownModel, o.Model)
	}
}

// ForcedProduct builds the override instruction sent in place of the product
// when restarting from a forced path. The last node is the restart point.
func ForcedProduct(product string, forced []PathNode) string {
	if len(forced) == 0 {
		return product
	}
	last := forced[len(forced)-1]
	return fmt.Sprintf(
		"SYSTEM OVERRIDE: Force classification path to %s - %s. Product: %s. Begin classification from code %s and find the most appropriate subclassification.",
		last.Code, last.Description, product, last.Code,
	)
}
