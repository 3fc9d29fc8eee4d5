package models

// ServicePolicy holds per-service remediation settings. One row per ServiceID,
// created on first observation of the service and never auto-deleted.
type ServicePolicy struct {
	ServiceID              string
	ServiceName            string
	AutoRemediationEnabled bool
	DefaultMemoryMB        int
	DefaultReplicas        int
	LLMProvider            LLMProvider
	ConfidenceThreshold    float64
}

// DefaultPolicy returns the policy applied to a service seen for the first time.
func DefaultPolicy(serviceID, serviceName string) ServicePolicy {
	return ServicePolicy{
		ServiceID:           serviceID,
		ServiceName:         serviceName,
		LLMProvider:         ProviderAuto,
		ConfidenceThreshold: 0.8,
	}
}
