package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/validator"
)

// Rule names the check that produced a decision.
type Rule string

const (
	RuleWorkspaceSuppressed Rule = "workspace_suppressed"
	RuleWorkspaceChannel    Rule = "workspace_channel_disabled"
	RuleUserPreference      Rule = "user_preference"
	RuleDigestOptIn         Rule = "digest_opt_in"
	RuleDefaultAllow        Rule = "default_allow"
	RuleDefaultDeny         Rule = "default_deny"
)

type Decision struct {
	Allowed   bool
	Rule      Rule
	Frequency model.Frequency
}

type Service interface {
	IsAllowed(ctx context.Context, userID, workspaceID string, channel model.Channel, t model.EventType) (bool, error)
	Resolve(ctx context.Context, userID, workspaceID string, channel model.Channel, t model.EventType) (Decision, error)
	SetPreference(ctx context.Context, p *model.Preference) error
	ListPreferences(ctx context.Context, userID string) ([]*model.Preference, error)
	SetWorkspacePolicy(ctx context.Context, p *model.WorkspacePolicy) error
}

type service struct {
	repo      repository.PreferenceRepository
	validator validator.Validator
	logger    *logger.Logger
	now       func() time.Time
}

func NewService(repo repository.PreferenceRepository, v validator.Validator, log *logger.Logger) Service {
	return &service{repo: repo, validator: v, logger: log, now: time.Now}
}

func (s *service) IsAllowed(ctx context.Context, userID, workspaceID string, channel model.Channel, t model.EventType) (bool, error) {
	d, err := s.Resolve(ctx, userID, workspaceID, channel, t)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Resolve applies workspace policy, then the user's stored preference, then
// the type default. Denials are logged, never returned as errors.
func (s *service) Resolve(ctx context.Context, userID, workspaceID string, channel model.Channel, t model.EventType) (Decision, error) {
	d, err := s.resolve(ctx, userID, workspaceID, channel, t)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		s.logger.Debug("channel denied by preference",
			"user_id", userID,
			"workspace_id", workspaceID,
			"channel", string(channel),
			"type", string(t),
			"rule", string(d.Rule))
	}
	return d, nil
}

func (s *service) resolve(ctx context.Context, userID, workspaceID string, channel model.Channel, t model.EventType) (Decision, error) {
	if workspaceID != "" {
		policy, err := s.repo.GetWorkspacePolicy(ctx, workspaceID, t)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Decision{}, fmt.Errorf("failed to get workspace policy: %w", err)
		}
		if policy != nil && policy.Suppressed {
			return Decision{Rule: RuleWorkspaceSuppressed}, nil
		}
		if policy.Denies(channel) {
			return Decision{Rule: RuleWorkspaceChannel}, nil
		}
	}

	pref, err := s.repo.Get(ctx, userID, channel, t)
	switch {
	case err == nil:
		freq := pref.Frequency
		if freq == "" {
			freq = model.FrequencyImmediate
		}
		return Decision{Allowed: pref.Enabled, Rule: RuleUserPreference, Frequency: freq}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return Decision{}, fmt.Errorf("failed to get preference: %w", err)
	}

	if t.IsTransactional() {
		return Decision{Allowed: true, Rule: RuleDefaultAllow, Frequency: model.FrequencyImmediate}, nil
	}
	if t == model.EventTypeDigest {
		return s.digestDefault(ctx, userID, channel)
	}
	return Decision{Rule: RuleDefaultDeny}, nil
}

// digestDefault opts a channel into digests when the user asked for daily or
// weekly delivery of any type on it.
func (s *service) digestDefault(ctx context.Context, userID string, channel model.Channel) (Decision, error) {
	prefs, err := s.repo.List(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to list preferences: %w", err)
	}
	for _, p := range prefs {
		if p.Channel == channel && p.Enabled && p.Frequency.IsDigest() {
			return Decision{Allowed: true, Rule: RuleDigestOptIn, Frequency: model.FrequencyImmediate}, nil
		}
	}
	return Decision{Rule: RuleDefaultDeny}, nil
}

func (s *service) SetPreference(ctx context.Context, p *model.Preference) error {
	if err := s.validator.Validate(p); err != nil {
		return model.Invalidf("invalid preference: %w", err)
	}
	if !p.Type.IsValid() {
		return model.Invalidf("invalid preference: unknown type %q", p.Type)
	}
	if p.Frequency == "" {
		p.Frequency = model.FrequencyImmediate
	}
	p.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, p); err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

func (s *service) ListPreferences(ctx context.Context, userID string) ([]*model.Preference, error) {
	prefs, err := s.repo.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	return prefs, nil
}

func (s *service) SetWorkspacePolicy(ctx context.Context, p *model.WorkspacePolicy) error {
	if p.WorkspaceID == "" {
		return model.Invalidf("invalid workspace policy: workspace_id is required")
	}
	if err := s.validator.Validate(p); err != nil {
		return model.Invalidf("invalid workspace policy: %w", err)
	}
	for _, ch := range p.DisabledChannels {
		if !ch.IsValid() {
			return model.Invalidf("invalid workspace policy: unknown channel %q", ch)
		}
	}
	p.UpdatedAt = s.now()
	if err := s.repo.UpsertWorkspacePolicy(ctx, p); err != nil {
		return fmt.Errorf("failed to save workspace policy: %w", err)
	}
	return nil
}
