// Package classify turns errors raised by the CRM send path into a structured
// diagnosis: category, severity, retryability and a suggested recovery action.
//
// Classification is a pure function of the error text and the retry policy
// table. It performs no I/O and holds no mutable state.
package classify

import (
	"errors"
	"strconv"
	"strings"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// statusCoder is implemented by errors that carry an HTTP status, such as
// crm.APIError.
type statusCoder interface {
	HTTPStatus() int
}

// Classifier maps errors onto the policy registry.
type Classifier struct {
	registry *Registry
}

// New creates a Classifier backed by registry. A nil registry selects the
// built-in table.
func New(registry *Registry) *Classifier {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Classifier{registry: registry}
}

// Registry returns the policy table the classifier reads from.
func (c *Classifier) Registry() *Registry {
	return c.registry
}

// Classify diagnoses err. A nil error is reported as unknown.
func (c *Classifier) Classify(err error) models.ErrorAnalysis {
	if err == nil {
		return c.analysisFor(fallbackRule)
	}
	text := err.Error()
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		text += " " + strconv.Itoa(sc.HTTPStatus())
	}
	return c.ClassifyMessage(text)
}

// ClassifyMessage diagnoses a stored or raw error message.
func (c *Classifier) ClassifyMessage(msg string) models.ErrorAnalysis {
	lower := strings.ToLower(msg)
	for _, r := range rules {
		if r.matches(lower) {
			return c.analysisFor(r)
		}
	}
	return c.analysisFor(fallbackRule)
}

// CategoryOf is shorthand for ClassifyMessage(msg).Category.
func (c *Classifier) CategoryOf(msg string) models.ErrorCategory {
	return c.ClassifyMessage(msg).Category
}

func (c *Classifier) analysisFor(r rule) models.ErrorAnalysis {
	policy := c.registry.Policy(r.category)
	return models.ErrorAnalysis{
		Category:          r.category,
		IsRetryable:       policy.MaxRetries > 0,
		RetryAfterSeconds: int(policy.BaseDelay.Seconds()),
		MaxRetries:        policy.MaxRetries,
		SuggestedAction:   r.action,
		Severity:          r.severity,
	}
}

// FallbackAnalysis is returned when error handling itself fails.
func FallbackAnalysis() models.ErrorAnalysis {
	return models.ErrorAnalysis{
		Category:        models.ErrorCategoryUnknown,
		IsRetryable:     false,
		MaxRetries:      0,
		SuggestedAction: models.ActionManualReview,
		Severity:        models.SeverityCritical,
	}
}

func (r rule) matches(text string) bool {
	if len(r.groups) == 0 || containsAny(text, r.exclude) {
		return false
	}
	for _, group := range r.groups {
		if !containsAny(text, group) {
			return false
		}
	}
	return true
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
