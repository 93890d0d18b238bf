package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"subsidy-workflow/internal/common/auth"
	awsclients "subsidy-workflow/internal/common/aws"
	"subsidy-workflow/internal/common/config"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/notify"
	"subsidy-workflow/internal/roles"
	"subsidy-workflow/internal/store/postgres"
	"subsidy-workflow/internal/workflow"

	"github.com/redis/go-redis/v9"
)

// buildPolicy layers the optional policy file and the config overrides on top
// of the default pipeline.
func buildPolicy(cfg config.WorkflowConfig) (*workflow.Policy, error) {
	policy := workflow.DefaultPolicy()

	if cfg.PolicyFile != "" {
		loaded, err := workflow.LoadPolicyFile(cfg.PolicyFile, policy)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}

	policy, err := policy.WithSLAOverrides(cfg.SLAHours)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultSLAHours > 0 {
		policy.DefaultSLAHours = cfg.DefaultSLAHours
	}
	if cfg.AllowRejectFromAny != nil {
		policy.AllowRejectFromAnyState = *cfg.AllowRejectFromAny
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// buildRoleProvider prefers Keycloak realm roles over the static table and
// puts the Redis cache in front when a client is given.
func buildRoleProvider(cfg config.AuthConfig, rdb *redis.Client, log logger.Logger) workflow.RoleProvider {
	var provider workflow.RoleProvider
	if cfg.Keycloak.URL != "" {
		kc := auth.NewKeycloakClient(cfg.Keycloak.URL, cfg.Keycloak.Realm, cfg.Keycloak.ClientID, cfg.Keycloak.ClientSecret)
		provider = roles.NewKeycloakProvider(kc)
	} else {
		provider = roles.FromConfig(cfg.StaticRoles)
	}

	if rdb != nil {
		provider = roles.NewCachedProvider(provider, rdb, time.Duration(cfg.RoleCacheTTL)*time.Second, log)
	}
	return provider
}

// buildNotifier returns the AWS notifier wrapped in retries, or a log-only
// notifier when delivery is disabled.
func buildNotifier(ctx context.Context, cfg config.NotificationConfig, db *sql.DB, log logger.Logger) (notify.Notifier, error) {
	if !cfg.Enabled {
		return logOnlyNotifier(log), nil
	}

	clients, err := awsclients.NewClients(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	awsNotifier := notify.NewAWSNotifier(awsConfig(cfg), clients.SES, clients.SNS, postgres.NewDirectory(db), log)
	return notify.WithRetry(awsNotifier, retryPolicy(cfg), log), nil
}

func awsConfig(cfg config.NotificationConfig) notify.AWSConfig {
	topics := make(map[models.Role]string, len(cfg.RoleTopics))
	for role, arn := range cfg.RoleTopics {
		topics[models.Role(strings.ToLower(role))] = arn
	}
	return notify.AWSConfig{
		FromEmail:      cfg.Email.FromEmail,
		RoleTopics:     topics,
		EmailEnabled:   cfg.Email.Enabled,
		SMSEnabled:     cfg.SMS.Enabled,
		SMSMinPriority: cfg.SMS.MinPriority,
	}
}

func retryPolicy(cfg config.NotificationConfig) notify.RetryPolicy {
	policy := notify.DefaultRetryPolicy()
	if cfg.Retry.MaxRetries >= 0 {
		policy.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.BaseDelayMS > 0 {
		policy.BaseDelay = config.GetDuration(cfg.Retry.BaseDelayMS)
	}
	return policy
}

func logOnlyNotifier(log logger.Logger) notify.Notifier {
	log = logger.ForComponent(log, "notify-log")
	return notify.NotifierFunc(func(_ context.Context, req models.NotificationRequest) error {
		log.Info("notification (delivery disabled)", map[string]interface{}{
			"recipient":     req.Recipient.String(),
			"category":      req.Category,
			"applicationId": req.ApplicationID,
			"title":         req.Title,
		})
		return nil
	})
}

func dispatcherConfig(cfg config.DispatcherConfig) notify.DispatcherConfig {
	return notify.DispatcherConfig{
		QueueSize:     cfg.QueueSize,
		Workers:       cfg.Workers,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}
}

func workflowOptions(cfg config.WorkflowConfig) workflow.Options {
	return workflow.Options{
		TransitionTimeout: config.GetDuration(cfg.TransitionTimeout),
		HookTimeout:       config.GetDuration(cfg.HookTimeout),
	}
}

func describeInfra(cfg *config.Config) string {
	parts := []string{"postgres"}
	if cfg.Database.Redis.Address != "" {
		parts = append(parts, "redis")
	}
	if len(cfg.Database.Elasticsearch.Addresses) > 0 {
		parts = append(parts, "elasticsearch")
	}
	if cfg.Auth.Keycloak.URL != "" {
		parts = append(parts, "keycloak")
	}
	if cfg.Notifications.Enabled {
		parts = append(parts, fmt.Sprintf("aws(%s)", cfg.Notifications.Region))
	}
	if cfg.Camunda.BrokerAddress != "" {
		parts = append(parts, "zeebe")
	}
	return strings.Join(parts, ",")
}
