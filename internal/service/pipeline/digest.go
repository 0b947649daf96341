package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

// captureDigestItem holds the event back for the user's next digest, creating
// the schedule on first use.
func (p *Pipeline) captureDigestItem(ctx context.Context, ev *model.NotificationEvent, userID string, freq model.Frequency) error {
	now := p.now()
	if err := p.ensureSchedule(ctx, userID, freq, now); err != nil {
		return err
	}

	summary := string(ev.Type) + " update"
	if payload, err := p.templates.Render(ctx, p.templateFor(ev.Type), "", ev.Bindings()); err == nil {
		summary = payload.Title
	} else {
		p.logger.Warn("digest item rendered without template", "event_id", ev.ID, "error", err.Error())
	}

	item := &model.DigestItem{
		ID:         deterministicID("digest-item", ev.ID, userID),
		UserID:     userID,
		EventType:  ev.Type,
		Summary:    summary,
		OccurredAt: now,
	}
	if err := p.digests.AddItem(ctx, item); err != nil {
		return fmt.Errorf("failed to store digest item: %w", err)
	}
	return nil
}

func (p *Pipeline) ensureSchedule(ctx context.Context, userID string, freq model.Frequency, now time.Time) error {
	_, err := p.digests.GetSchedule(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to get digest schedule: %w", err)
	}
	s := &model.DigestSchedule{
		UserID:    userID,
		Frequency: freq,
		Hour:      p.config.DigestHour,
		Weekday:   time.Monday,
	}
	s.NextRunAt = s.NextOccurrence(now)
	if err := p.digests.UpsertSchedule(ctx, s); err != nil {
		return fmt.Errorf("failed to create digest schedule: %w", err)
	}
	return nil
}

// ComposeDigest renders the digest notification for the collected items.
func (p *Pipeline) ComposeDigest(ctx context.Context, s *model.DigestSchedule, items []*model.DigestItem, at time.Time) (*model.Notification, error) {
	entries := make([]map[string]any, 0, len(items))
	for _, it := range items {
		entries = append(entries, map[string]any{
			"Summary":    it.Summary,
			"EventType":  string(it.EventType),
			"OccurredAt": it.OccurredAt,
		})
	}
	return p.build(ctx, buildRequest{
		id:         deterministicID("digest", s.UserID, at.UTC().Format(time.RFC3339)),
		userID:     s.UserID,
		typ:        model.EventTypeDigest,
		templateID: p.config.DigestTemplate,
		bindings: map[string]any{
			"Count":     len(items),
			"Frequency": string(s.Frequency),
			"Items":     entries,
		},
	})
}
