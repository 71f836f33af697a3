// Package recovery runs the corrective step that precedes a retry, and
// re-arms retries for submissions left pending when the process restarts.
//
// Recovery is always best effort. A failing or panicking action is logged
// and reported in the Outcome, never propagated to the caller.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SyncPipe/internal/metrics"
	"github.com/BTreeMap/SyncPipe/internal/models"
)

// TokenRefresher forces a new access token for a named credential.
type TokenRefresher interface {
	ForceRefresh(ctx context.Context, name string) error
}

// FieldCacheRefresher drops and reloads cached CRM field metadata.
type FieldCacheRefresher interface {
	ForceRefresh(ctx context.Context) error
}

// BatchQueue collects submissions for a grouped retry.
type BatchQueue interface {
	Enqueue(cat models.ErrorCategory, submissionID string) error
}

// Outcome reports what a recovery action did.
type Outcome struct {
	Action         models.SuggestedAction `json:"action"`
	Attempted      bool                   `json:"attempted"`
	Succeeded      bool                   `json:"succeeded"`
	Queued         bool                   `json:"queued,omitempty"`
	RequiresManual bool                   `json:"requires_manual,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// Details flattens the outcome for an audit entry.
func (o Outcome) Details() map[string]any {
	d := map[string]any{
		"action":    string(o.Action),
		"attempted": o.Attempted,
		"succeeded": o.Succeeded,
	}
	if o.Queued {
		d["queued"] = true
	}
	if o.RequiresManual {
		d["requires_manual"] = true
	}
	if o.Error != "" {
		d["error"] = o.Error
	}
	return d
}

// Action performs the recovery step for one category.
type Action func(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis) Outcome

// Deps are the collaborators used by the default actions. Nil collaborators
// turn their action into a logged no-op.
type Deps struct {
	Tokens         TokenRefresher
	CredentialName string
	FieldCache     FieldCacheRefresher
	Queue          BatchQueue
}

// Dispatcher maps error categories to recovery actions.
type Dispatcher struct {
	mu      sync.RWMutex
	actions map[models.ErrorCategory]Action
}

// NewDispatcher creates a Dispatcher with the default action for every category.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{actions: make(map[models.ErrorCategory]Action)}
	d.Register(models.ErrorCategoryCredentialExpired, refreshCredential(deps.Tokens, deps.CredentialName))
	d.Register(models.ErrorCategoryCredentialInvalid, manual(models.ActionManualIntervention))
	d.Register(models.ErrorCategoryRateLimit, queueForBatch(deps.Queue))
	d.Register(models.ErrorCategoryFieldMapping, refreshFieldCache(deps.FieldCache))
	d.Register(models.ErrorCategoryNetwork, noop(models.ActionRetryWithBackoff))
	d.Register(models.ErrorCategoryRemoteServer, noop(models.ActionRetryWithBackoff))
	d.Register(models.ErrorCategoryUnknown, noop(models.ActionConservativeRetry))
	d.Register(models.ErrorCategoryValidation, manual(models.ActionManualReview))
	return d
}

// Register installs or replaces the action for cat.
func (d *Dispatcher) Register(cat models.ErrorCategory, action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[cat] = action
}

// Run executes the action registered for analysis.Category.
func (d *Dispatcher) Run(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis) (out Outcome) {
	d.mu.RLock()
	action, ok := d.actions[analysis.Category]
	d.mu.RUnlock()
	if !ok {
		return Outcome{Action: analysis.SuggestedAction}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.Run: recovery action panicked", "category", analysis.Category, "submissionID", sub.ID, "panic", r)
			out = Outcome{Action: analysis.SuggestedAction, Attempted: true, Error: fmt.Sprintf("panic: %v", r)}
		}
		metrics.RecoveryActions.WithLabelValues(string(analysis.Category), outcomeLabel(out)).Inc()
	}()

	out = action(ctx, sub, analysis)
	if out.Error != "" {
		slog.Warn("Dispatcher.Run: recovery action failed", "category", analysis.Category, "submissionID", sub.ID, "error", out.Error)
	} else if out.Attempted {
		slog.Info("Dispatcher.Run: recovery action completed", "category", analysis.Category, "submissionID", sub.ID, "action", out.Action)
	}
	return out
}

func outcomeLabel(o Outcome) string {
	switch {
	case !o.Attempted:
		return "skipped"
	case o.Succeeded:
		return "succeeded"
	default:
		return "failed"
	}
}

func refreshCredential(tokens TokenRefresher, name string) Action {
	return func(ctx context.Context, sub *models.Submission, _ models.ErrorAnalysis) Outcome {
		out := Outcome{Action: models.ActionRefreshCredential}
		if tokens == nil {
			slog.Warn("recovery: no token refresher configured", "submissionID", sub.ID)
			return out
		}
		out.Attempted = true
		if err := tokens.ForceRefresh(ctx, name); err != nil {
			out.Error = err.Error()
			return out
		}
		out.Succeeded = true
		return out
	}
}

func refreshFieldCache(cache FieldCacheRefresher) Action {
	return func(ctx context.Context, sub *models.Submission, _ models.ErrorAnalysis) Outcome {
		out := Outcome{Action: models.ActionRefreshFieldCache}
		if cache == nil {
			slog.Warn("recovery: no field cache configured", "submissionID", sub.ID)
			return out
		}
		out.Attempted = true
		if err := cache.ForceRefresh(ctx); err != nil {
			out.Error = err.Error()
			return out
		}
		out.Succeeded = true
		return out
	}
}

func queueForBatch(queue BatchQueue) Action {
	return func(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis) Outcome {
		out := Outcome{Action: models.ActionQueueForBatch}
		if queue == nil {
			return out
		}
		out.Attempted = true
		if err := queue.Enqueue(analysis.Category, sub.ID); err != nil {
			out.Error = err.Error()
			return out
		}
		out.Succeeded = true
		out.Queued = true
		return out
	}
}

func manual(action models.SuggestedAction) Action {
	return func(ctx context.Context, sub *models.Submission, _ models.ErrorAnalysis) Outcome {
		slog.Warn("recovery: submission needs a human", "submissionID", sub.ID, "action", action)
		return Outcome{Action: action, RequiresManual: true}
	}
}

func noop(action models.SuggestedAction) Action {
	return func(context.Context, *models.Submission, models.ErrorAnalysis) Outcome {
		return Outcome{Action: action}
	}
}
