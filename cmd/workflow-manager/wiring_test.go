package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidy-workflow/internal/common/config"
	"subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/roles"
)

func boolPtr(v bool) *bool { return &v }

func TestBuildPolicy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p, err := buildPolicy(config.WorkflowConfig{})
		require.NoError(t, err)
		assert.Equal(t, 72, p.DefaultSLAHours)
		assert.True(t, p.AllowRejectFromAnyState)
	})

	t.Run("config overrides", func(t *testing.T) {
		p, err := buildPolicy(config.WorkflowConfig{
			DefaultSLAHours:    24,
			SLAHours:           map[string]int{"director_review": 12},
			AllowRejectFromAny: boolPtr(false),
		})
		require.NoError(t, err)
		assert.Equal(t, 24, p.DefaultSLAHours)
		assert.Equal(t, 12, p.SLAHours[models.StateDirectorReview])
		assert.False(t, p.AllowRejectFromAnyState)
	})

	t.Run("config wins over policy file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("default_sla_hours: 96\nallow_reject_from_any_state: false\n"), 0o600))

		p, err := buildPolicy(config.WorkflowConfig{PolicyFile: path, AllowRejectFromAny: boolPtr(true)})
		require.NoError(t, err)
		assert.Equal(t, 96, p.DefaultSLAHours)
		assert.True(t, p.AllowRejectFromAnyState)
	})

	t.Run("unknown state override", func(t *testing.T) {
		_, err := buildPolicy(config.WorkflowConfig{SLAHours: map[string]int{"archived": 1}})
		require.Error(t, err)
	})

	t.Run("negative override fails validation", func(t *testing.T) {
		_, err := buildPolicy(config.WorkflowConfig{SLAHours: map[string]int{"DRAFT": -1}})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidPolicy))
	})

	t.Run("missing policy file", func(t *testing.T) {
		_, err := buildPolicy(config.WorkflowConfig{PolicyFile: filepath.Join(t.TempDir(), "absent.yaml")})
		require.Error(t, err)
	})
}

func TestBuildRoleProvider(t *testing.T) {
	log := logger.NewTestLogger(t)
	cfg := config.AuthConfig{StaticRoles: map[string][]string{"dir-1": {"Director", "unknown"}}}

	t.Run("static", func(t *testing.T) {
		provider := buildRoleProvider(cfg, nil, log)
		assert.IsType(t, &roles.StaticProvider{}, provider)

		got, err := provider.RolesOf(context.Background(), "dir-1")
		require.NoError(t, err)
		assert.Equal(t, []models.Role{models.RoleDirector}, got)
	})

	t.Run("cached when redis is configured", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		cfg := cfg
		cfg.RoleCacheTTL = 60
		provider := buildRoleProvider(cfg, rdb, log)
		assert.IsType(t, &roles.CachedProvider{}, provider)

		got, err := provider.RolesOf(context.Background(), "dir-1")
		require.NoError(t, err)
		assert.Equal(t, []models.Role{models.RoleDirector}, got)
	})
}

func TestBuildNotifier_DisabledLogsOnly(t *testing.T) {
	n, err := buildNotifier(context.Background(), config.NotificationConfig{}, nil, logger.NewTestLogger(t))
	require.NoError(t, err)

	err = n.Dispatch(context.Background(), models.NotificationRequest{
		Recipient:     models.Recipient{Role: models.RoleDirector},
		Title:         "Application moved",
		Category:      models.CategoryTransition,
		ApplicationID: "app-1",
	})
	assert.NoError(t, err)
}

func TestAWSConfig(t *testing.T) {
	var cfg config.NotificationConfig
	cfg.Email.Enabled = true
	cfg.Email.FromEmail = "noreply@example.org"
	cfg.SMS.Enabled = true
	cfg.SMS.MinPriority = 4
	cfg.RoleTopics = map[string]string{"Director": "arn:aws:sns:eu-west-1:1:director"}

	got := awsConfig(cfg)
	assert.Equal(t, "noreply@example.org", got.FromEmail)
	assert.True(t, got.EmailEnabled)
	assert.True(t, got.SMSEnabled)
	assert.Equal(t, 4, got.SMSMinPriority)
	assert.Equal(t, "arn:aws:sns:eu-west-1:1:director", got.RoleTopics[models.RoleDirector])
}

func TestRetryPolicy(t *testing.T) {
	var cfg config.NotificationConfig
	cfg.Retry.MaxRetries = 5
	cfg.Retry.BaseDelayMS = 50

	p := retryPolicy(cfg)
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, config.GetDuration(50), p.BaseDelay)
}

func TestDescribeInfra(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, "postgres", describeInfra(cfg))

	cfg.Database.Redis.Address = "localhost:6379"
	cfg.Camunda.BrokerAddress = "localhost:26500"
	assert.Equal(t, "postgres,redis,zeebe", describeInfra(cfg))
}
