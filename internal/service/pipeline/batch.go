package pipeline

import (
	"context"
	"time"

	"github.com/jwalitptl/notify/internal/model"
)

// flushWindow is the batching engine's flush handler. A window holding a
// single event is delivered as that event; larger windows become one summary.
func (p *Pipeline) flushWindow(ctx context.Context, w *model.BatchWindow) error {
	if len(w.Events) == 1 {
		ev := w.Events[0]
		n, err := p.build(ctx, buildRequest{
			id:          deterministicID("event", ev.ID, w.UserID),
			userID:      w.UserID,
			workspaceID: ev.WorkspaceID,
			typ:         ev.Type,
			templateID:  p.templateFor(ev.Type),
			bindings:    ev.Bindings(),
			entityType:  ev.EntityType,
			entityID:    ev.EntityID,
			batchKey:    model.StringPtr(w.BatchKey),
		})
		if err != nil {
			return err
		}
		return p.scheduleAndDeliver(ctx, n, p.now())
	}

	first := w.Events[0]
	n, err := p.build(ctx, buildRequest{
		id:          deterministicID("batch", w.UserID, w.BatchKey, w.OpenedAt.UTC().Format(time.RFC3339Nano)),
		userID:      w.UserID,
		workspaceID: first.WorkspaceID,
		typ:         w.Type,
		templateID:  p.batchTemplateFor(w.Type),
		bindings:    summaryBindings(w),
		entityType:  first.EntityType,
		entityID:    first.EntityID,
		batchKey:    model.StringPtr(w.BatchKey),
	})
	if err != nil {
		return err
	}
	p.logger.Info("batch summarized",
		"user_id", w.UserID,
		"batch_key", w.BatchKey,
		"events", len(w.Events))
	return p.scheduleAndDeliver(ctx, n, p.now())
}

// summaryBindings exposes the first event's fields at the top level plus
// Count, Events and Actors for enumerating the batch.
func summaryBindings(w *model.BatchWindow) map[string]any {
	b := w.Events[0].Bindings()
	events := make([]map[string]any, 0, len(w.Events))
	actors := make([]string, 0, len(w.Events))
	seen := map[string]struct{}{}
	for i := range w.Events {
		ev := &w.Events[i]
		events = append(events, ev.Bindings())
		if ev.ActorID == "" {
			continue
		}
		if _, ok := seen[ev.ActorID]; !ok {
			seen[ev.ActorID] = struct{}{}
			actors = append(actors, ev.ActorID)
		}
	}
	b["Count"] = len(w.Events)
	b["Events"] = events
	b["Actors"] = actors
	return b
}
