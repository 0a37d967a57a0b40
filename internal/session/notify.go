package session

import (
	"log/slog"

	"github.com/bidopsai/bidops-go/internal/domain"
)

// Toast variants.
const (
	VariantDefault     = "default"
	VariantSuccess     = "success"
	VariantDestructive = "destructive"
)

// Toast is a transient user notification.
type Toast struct {
	Variant     string `json:"variant"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Notifier shows toasts.
type Notifier interface {
	Notify(t Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(t Toast)

// Notify calls f.
func (f NotifierFunc) Notify(t Toast) { f(t) }

// ManualTrigger raises a persistent call to action that stays until the user
// retries, skips or restarts.
type ManualTrigger interface {
	RequireManual(action domain.WorkflowErrorAction)
}

// ManualTriggerFunc adapts a function to ManualTrigger.
type ManualTriggerFunc func(action domain.WorkflowErrorAction)

// RequireManual calls f.
func (f ManualTriggerFunc) RequireManual(action domain.WorkflowErrorAction) { f(action) }

type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Notify(t Toast) {
	n.logger.Info("toast", "variant", t.Variant, "title", t.Title, "description", t.Description)
}

type logTrigger struct{ logger *slog.Logger }

func (n logTrigger) RequireManual(a domain.WorkflowErrorAction) {
	n.logger.Warn("manual intervention required", "agent", a.Agent, "action", a.Type, "message", a.Message)
}

func toastFor(a domain.WorkflowErrorAction) Toast {
	t := Toast{Variant: VariantDestructive, Description: a.Message}
	switch a.Type {
	case domain.ActionRetry:
		t.Variant, t.Title = VariantDefault, "Retrying"
	case domain.ActionSkip:
		t.Variant, t.Title = VariantDefault, "Step can be skipped"
		if !a.RequiresUserInput {
			t.Title = "Step skipped"
		}
	case domain.ActionRestart:
		t.Title = "Restart required"
		if !a.RequiresUserInput {
			t.Title = "Workflow restarted"
		}
	case domain.ActionCancel:
		t.Title = "Cancelled"
	default:
		t.Title = "Action required"
	}
	if a.Agent != "" {
		t.Title += ": " + string(a.Agent)
	}
	return t
}
