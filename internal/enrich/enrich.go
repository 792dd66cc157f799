// Package enrich runs items through an external classifier that assigns
// priority and suggested actions.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mirror"
)

// Classification is what a classifier decides about one item.
type Classification struct {
	Priority        mail.Priority `json:"priority"`
	RequiresAction  bool          `json:"requires_action"`
	SuggestedAction string        `json:"suggested_action,omitempty"`
}

// ApplyTo returns a copy of it carrying the classification.
func (c Classification) ApplyTo(it mail.Item) mail.Item {
	out := it.Clone()
	out.Priority = c.Priority
	out.RequiresAction = c.RequiresAction
	out.SuggestedAction = c.SuggestedAction
	return out
}

// Classifier assigns a classification to an item.
type Classifier interface {
	Classify(ctx context.Context, item mail.Item) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, item mail.Item) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, item mail.Item) (Classification, error) {
	return f(ctx, item)
}

// Result pairs an item as it was read with its classification.
type Result struct {
	Item           mail.Item
	Classification Classification
}

// Enricher classifies items one at a time, at most one call per delay.
type Enricher struct {
	classifier Classifier
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an enricher. A delay of zero or less disables pacing.
func New(classifier Classifier, delay time.Duration) *Enricher {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Enricher{
		classifier: classifier,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the logger for the enricher.
func (e *Enricher) WithLogger(logger *slog.Logger) *Enricher {
	e.logger = logger
	return e
}

// Run classifies items in order. Items the classifier fails on are logged
// and left out. Cancellation stops the run and returns what was classified
// so far without an error.
func (e *Enricher) Run(ctx context.Context, items []mail.Item) []Result {
	results := make([]Result, 0, len(items))
	for i, it := range items {
		if err := e.limiter.Wait(ctx); err != nil {
			e.logger.Debug("enrichment interrupted", "done", i, "total", len(items), "error", err)
			return results
		}
		c, err := e.classifier.Classify(ctx, it)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Debug("enrichment interrupted", "done", i, "total", len(items))
				return results
			}
			e.logger.Warn("classification failed", "id", it.ID, "error", err)
			continue
		}
		results = append(results, Result{Item: it, Classification: c})
	}
	return results
}

// Enrich classifies items and writes each result back to m, but only when
// the item still has the version it had when it was read; items changed in
// the meantime keep their newer state. It returns how many were applied.
func (e *Enricher) Enrich(ctx context.Context, m *mirror.Mirror, items []mail.Item) (int, error) {
	applied := 0
	for _, r := range e.Run(ctx, items) {
		_, ok, err := m.CompareAndUpdate(r.Item.ID, r.Item.Version, func(cur mail.Item) mail.Item {
			next := r.Classification.ApplyTo(cur)
			next.Version = cur.Version + 1
			next.LastModified = e.now()
			return next
		})
		if err != nil {
			if errors.Is(err, mirror.ErrClosed) {
				return applied, nil
			}
			return applied, err
		}
		if ok {
			applied++
		} else {
			e.logger.Debug("item changed during enrichment, result dropped", "id", r.Item.ID)
		}
	}
	return applied, nil
}

// Heuristic is a local classifier used when no external service is
// configured. It flags direct questions and requests as needing action.
type Heuristic struct{}

var actionPhrases = []string{"please", "can you", "could you", "action required", "rsvp", "deadline", "?"}

// Classify implements Classifier.
func (Heuristic) Classify(_ context.Context, it mail.Item) (Classification, error) {
	c := Classification{Priority: mail.PriorityMedium}
	text := strings.ToLower(it.Subject + "\n" + it.Content)
	for _, p := range actionPhrases {
		if strings.Contains(text, p) {
			c.RequiresAction = true
			c.SuggestedAction = "reply"
			break
		}
	}
	switch {
	case it.HasLabel(mail.LabelImportant) && c.RequiresAction:
		c.Priority = mail.PriorityUrgent
	case it.HasLabel(mail.LabelImportant), c.RequiresAction && it.HasLabel(mail.LabelInbox):
		c.Priority = mail.PriorityHigh
	case it.HasLabel(mail.LabelSent), it.IsTrash:
		c.Priority = mail.PriorityLow
	}
	return c, nil
}
