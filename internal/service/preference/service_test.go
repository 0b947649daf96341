package preference

import (
	"context"
	"testing"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository/memory"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() Service {
	return NewService(memory.NewPreferenceRepository(), validator.New(), logger.Nop())
}

func TestResolveDefaults(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     model.EventType
		allowed bool
		rule    Rule
	}{
		{"task allowed", model.EventTypeTask, true, RuleDefaultAllow},
		{"comment allowed", model.EventTypeComment, true, RuleDefaultAllow},
		{"share allowed", model.EventTypeShare, true, RuleDefaultAllow},
		{"system allowed", model.EventTypeSystem, true, RuleDefaultAllow},
		{"marketing denied", model.EventTypeMarketing, false, RuleDefaultDeny},
		{"digest denied", model.EventTypeDigest, false, RuleDefaultDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := svc.Resolve(ctx, "u1", "", model.ChannelEmail, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.rule, d.Rule)
		})
	}
}

func TestUserPreferenceOverridesDefault(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelEmail, Type: model.EventTypeComment, Enabled: false,
	}))
	require.NoError(t, svc.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelPush, Type: model.EventTypeMarketing, Enabled: true,
	}))

	allowed, err := svc.IsAllowed(ctx, "u1", "", model.ChannelEmail, model.EventTypeComment)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = svc.IsAllowed(ctx, "u1", "", model.ChannelInApp, model.EventTypeComment)
	require.NoError(t, err)
	assert.True(t, allowed, "other channels keep the default")

	allowed, err = svc.IsAllowed(ctx, "u1", "", model.ChannelPush, model.EventTypeMarketing)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = svc.IsAllowed(ctx, "u2", "", model.ChannelEmail, model.EventTypeComment)
	require.NoError(t, err)
	assert.True(t, allowed, "preferences are per user")
}

func TestWorkspacePolicyWins(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelPush, Type: model.EventTypeTask, Enabled: true,
	}))
	require.NoError(t, svc.SetWorkspacePolicy(ctx, &model.WorkspacePolicy{
		WorkspaceID: "w1", Type: model.EventTypeTask, DisabledChannels: []model.Channel{model.ChannelPush},
	}))
	require.NoError(t, svc.SetWorkspacePolicy(ctx, &model.WorkspacePolicy{
		WorkspaceID: "w1", Type: model.EventTypeShare, Suppressed: true,
	}))

	d, err := svc.Resolve(ctx, "u1", "w1", model.ChannelPush, model.EventTypeTask)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleWorkspaceChannel, d.Rule)

	d, err = svc.Resolve(ctx, "u1", "w1", model.ChannelEmail, model.EventTypeTask)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = svc.Resolve(ctx, "u1", "w1", model.ChannelInApp, model.EventTypeShare)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleWorkspaceSuppressed, d.Rule)

	d, err = svc.Resolve(ctx, "u1", "other", model.ChannelPush, model.EventTypeTask)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "policy is scoped to its workspace")
}

func TestFrequencyDefaultsToImmediate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelEmail, Type: model.EventTypeTask, Enabled: true,
	}))
	require.NoError(t, svc.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelInApp, Type: model.EventTypeTask, Enabled: true, Frequency: model.FrequencyDaily,
	}))

	d, err := svc.Resolve(ctx, "u1", "", model.ChannelEmail, model.EventTypeTask)
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyImmediate, d.Frequency)

	d, err = svc.Resolve(ctx, "u1", "", model.ChannelInApp, model.EventTypeTask)
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyDaily, d.Frequency)

	prefs, err := svc.ListPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, prefs, 2)
}

func TestSetPreferenceValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	err := svc.SetPreference(ctx, &model.Preference{UserID: "u1", Channel: "sms", Type: model.EventTypeTask})
	assert.Error(t, err)

	err = svc.SetPreference(ctx, &model.Preference{UserID: "u1", Channel: model.ChannelEmail, Type: "bogus"})
	assert.Error(t, err)

	err = svc.SetWorkspacePolicy(ctx, &model.WorkspacePolicy{WorkspaceID: "w1", Type: model.EventTypeTask, DisabledChannels: []model.Channel{"fax"}})
	assert.Error(t, err)
}

func TestDigestFollowsDigestFrequency(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelEmail, Type: model.EventTypeTask, Enabled: true, Frequency: model.FrequencyDaily,
	}))

	d, err := svc.Resolve(ctx, "u1", "", model.ChannelEmail, model.EventTypeDigest)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, RuleDigestOptIn, d.Rule)
	assert.Equal(t, model.FrequencyImmediate, d.Frequency)

	d, err = svc.Resolve(ctx, "u1", "", model.ChannelPush, model.EventTypeDigest)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "the opt-in covers only the channel it was set on")

	require.NoError(t, svc.SetPreference(ctx, &model.Preference{
		UserID: "u1", Channel: model.ChannelEmail, Type: model.EventTypeDigest, Enabled: false,
	}))
	d, err = svc.Resolve(ctx, "u1", "", model.ChannelEmail, model.EventTypeDigest)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "an explicit digest preference wins")
	assert.Equal(t, RuleUserPreference, d.Rule)
}
