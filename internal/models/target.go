package models

import (
	"strings"
	"time"
)

// Target identifies one log subscription: a (project, environment, service)
// tuple. An empty ServiceID means "all services in the environment".
type Target struct {
	ProjectID     string
	EnvironmentID string
	ServiceID     string
}

// Key renders the target as a stable map key.
func (t Target) Key() string {
	return strings.Join([]string{t.ProjectID, t.EnvironmentID, t.ServiceID}, "/")
}

// SubscriptionState is a persisted snapshot of one log subscription's
// connection machine, written shortly after startup and refreshed on a fixed
// cadence so operators can inspect stream health across restarts.
type SubscriptionState struct {
	Target        Target
	ServiceName   string
	Status        string
	LastError     string
	Attempts      int
	LastHeartbeat time.Time
	UpdatedAt     time.Time
}

// ExpandTargets performs the cartesian expansion of the configured projects,
// environments, and services. An empty service list yields one env-wide target
// per (project, environment) pair.
func ExpandTargets(projects, environments, services []string) []Target {
	if len(environments) == 0 {
		environments = []string{"production"}
	}
	targets := make([]Target, 0, len(projects)*len(environments))
	for _, project := range projects {
		if project == "" {
			continue
		}
		for _, env := range environments {
			if env == "" {
				continue
			}
			if len(services) == 0 {
				targets = append(targets, Target{ProjectID: project, EnvironmentID: env})
				continue
			}
			for _, svc := range services {
				targets = append(targets, Target{ProjectID: project, EnvironmentID: env, ServiceID: svc})
			}
		}
	}
	return targets
}
