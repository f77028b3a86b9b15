package dispatch

import (
	"context"
	"fmt"
	"path"

	"nimbus/internal/blob/core"
)

// Logger is the subset of structured logging the sinks need. *slog.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Notifier turns notify tasks into log records for the reviewer channel.
type Notifier struct {
	logger Logger
}

// NewNotifier returns a notifier writing to logger.
func NewNotifier(logger Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Enqueue implements Dispatcher; tasks other than KindNotify are ignored.
func (n *Notifier) Enqueue(_ context.Context, task Task) error {
	if task.Kind != KindNotify || n.logger == nil {
		return nil
	}
	n.logger.Info("experiment needs review",
		"experiment", task.Slug,
		"operation", task.Operation,
		"actor", task.Actor,
		"message", task.Message,
	)
	return nil
}

// Collection prefixes for published recipes.
const (
	PreviewPrefix = "preview"
	LivePrefix    = "live"
)

// RecipeKey returns the blob key of an experiment's recipe within a collection.
func RecipeKey(collection, slug string) string {
	return path.Join(collection, slug+".json")
}

// Publisher writes recipe payloads into a blob store, standing in for the
// remote settings collections clients download from.
type Publisher struct {
	store core.Store
}

// NewPublisher returns a publisher writing to store.
func NewPublisher(store core.Store) *Publisher {
	return &Publisher{store: store}
}

// Enqueue implements Dispatcher. Push tasks target the live collection and
// preview sync tasks the preview collection; notify tasks are ignored.
func (p *Publisher) Enqueue(ctx context.Context, task Task) error {
	var collection string
	switch task.Kind {
	case KindPush:
		collection = LivePrefix
	case KindPreviewSync:
		collection = PreviewPrefix
	default:
		return nil
	}
	if task.Slug == "" {
		return fmt.Errorf("%s task for experiment %s has no slug", task.Kind, task.ExperimentID)
	}
	key := RecipeKey(collection, task.Slug)
	if len(task.Payload) == 0 {
		if _, err := p.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("retract %s: %w", key, err)
		}
		return nil
	}
	_, err := p.store.Put(ctx, key, task.Payload, core.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"experiment-id": task.ExperimentID,
			"operation":     task.Operation,
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}
