package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

func policyCacheKey(serviceID string) string { return "policy:" + serviceID }

// PolicyFor returns the service's policy, creating the default row on first
// observation. Reads go through the in-process cache.
func (s *Store) PolicyFor(ctx context.Context, serviceID, serviceName string) (models.ServicePolicy, error) {
	const op = "store.PolicyFor"

	if v, err := s.cache.Get(policyCacheKey(serviceID)); err == nil {
		if policy, ok := v.(models.ServicePolicy); ok {
			return policy, nil
		}
	}

	policy, err := s.readPolicy(ctx, serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		policy = models.DefaultPolicy(serviceID, serviceName)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO service_policies
				(service_id, service_name, auto_remediation_enabled, default_memory_mb,
				 default_replicas, llm_provider, confidence_threshold, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (service_id) DO NOTHING`,
			policy.ServiceID, policy.ServiceName, boolToInt(policy.AutoRemediationEnabled),
			policy.DefaultMemoryMB, policy.DefaultReplicas, string(policy.LLMProvider),
			policy.ConfidenceThreshold, fmtTime(s.now())); err != nil {
			return models.ServicePolicy{}, utils.E(utils.KindInternal, op, "insert default policy", err)
		}
	} else if err != nil {
		return models.ServicePolicy{}, utils.E(utils.KindInternal, op, "query policy", err)
	}

	s.cache.Set(policyCacheKey(serviceID), policy, policyCacheTTL)
	return policy, nil
}

// UpdatePolicy persists new settings, invalidates the cache, and announces
// the change on the bus.
func (s *Store) UpdatePolicy(ctx context.Context, policy models.ServicePolicy) error {
	const op = "store.UpdatePolicy"

	if policy.ConfidenceThreshold < 0 || policy.ConfidenceThreshold > 1 {
		return utils.E(utils.KindInvalidEnum, op, "confidence threshold must be in [0,1]", nil)
	}
	if _, err := models.ParseLLMProvider(string(policy.LLMProvider)); err != nil {
		return utils.E(utils.KindInvalidEnum, op, err.Error(), nil)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO service_policies
			(service_id, service_name, auto_remediation_enabled, default_memory_mb,
			 default_replicas, llm_provider, confidence_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id) DO UPDATE SET
			service_name = excluded.service_name,
			auto_remediation_enabled = excluded.auto_remediation_enabled,
			default_memory_mb = excluded.default_memory_mb,
			default_replicas = excluded.default_replicas,
			llm_provider = excluded.llm_provider,
			confidence_threshold = excluded.confidence_threshold,
			updated_at = excluded.updated_at`,
		policy.ServiceID, policy.ServiceName, boolToInt(policy.AutoRemediationEnabled),
		policy.DefaultMemoryMB, policy.DefaultReplicas, string(policy.LLMProvider),
		policy.ConfidenceThreshold, fmtTime(s.now())); err != nil {
		return utils.E(utils.KindInternal, op, "upsert policy", err)
	}

	s.cache.Del(policyCacheKey(policy.ServiceID))
	if s.bus != nil {
		s.bus.Publish(broker.TopicPolicyUpdated, policy)
	}
	return nil
}

func (s *Store) readPolicy(ctx context.Context, serviceID string) (models.ServicePolicy, error) {
	var (
		policy   models.ServicePolicy
		enabled  int
		provider string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT service_id, service_name, auto_remediation_enabled, default_memory_mb,
			default_replicas, llm_provider, confidence_threshold
		FROM service_policies WHERE service_id = ?`, serviceID).
		Scan(&policy.ServiceID, &policy.ServiceName, &enabled, &policy.DefaultMemoryMB,
			&policy.DefaultReplicas, &provider, &policy.ConfidenceThreshold)
	if err != nil {
		return models.ServicePolicy{}, err
	}
	policy.AutoRemediationEnabled = enabled != 0
	policy.LLMProvider = models.LLMProvider(provider)
	return policy, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
