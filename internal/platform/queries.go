package platform

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Service describes a Railway service and its per-environment instances.
type Service struct {
	ID        string
	Name      string
	ProjectID string
	Instances []ServiceInstance
}

// ServiceInstance is one environment-scoped instance of a service.
type ServiceInstance struct {
	EnvironmentID      string
	NumReplicas        int
	MemoryLimitMB      int
	LatestDeploymentID string
	LatestDeployment   *Deployment
}

// Deployment is a single deploy of a service.
type Deployment struct {
	ID            string
	ServiceID     string
	EnvironmentID string
	Status        string
	CreatedAt     time.Time
}

// LogLine is one raw log entry returned by a logs query.
type LogLine struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
}

// Variable is one environment variable on a service.
type Variable struct {
	Name  string
	Value string
}

// Deployment status values as reported by the platform.
const (
	DeployStatusSuccess  = "SUCCESS"
	DeployStatusFailed   = "FAILED"
	DeployStatusCrashed  = "CRASHED"
	DeployStatusBuilding = "BUILDING"
	DeployStatusRemoved  = "REMOVED"
)

// Sentinel errors distinguishing "service exists but has nothing to act on".
var (
	ErrNoInstanceForEnvironment = errors.New("service has no instance in environment")
	ErrNoDeployment             = errors.New("service instance has no deployment yet")
)

const serviceQuery = `query service($id: String!) {
  service(id: $id) {
    id
    name
    projectId
    serviceInstances {
      edges {
        node {
          environmentId
          numReplicas
          latestDeployment { id status createdAt }
        }
      }
    }
  }
}`

// GetService fetches a service with its instance list.
func (c *Client) GetService(ctx context.Context, serviceID string) (*Service, error) {
	var resp struct {
		Service struct {
			ID               string `json:"id"`
			Name             string `json:"name"`
			ProjectID        string `json:"projectId"`
			ServiceInstances struct {
				Edges []struct {
					Node struct {
						EnvironmentID    string `json:"environmentId"`
						NumReplicas      int    `json:"numReplicas"`
						LatestDeployment *struct {
							ID        string    `json:"id"`
							Status    string    `json:"status"`
							CreatedAt time.Time `json:"createdAt"`
						} `json:"latestDeployment"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"serviceInstances"`
		} `json:"service"`
	}
	if err := c.execute(ctx, "platform.GetService", serviceQuery, map[string]any{"id": serviceID}, &resp); err != nil {
		return nil, err
	}

	svc := &Service{ID: resp.Service.ID, Name: resp.Service.Name, ProjectID: resp.Service.ProjectID}
	for _, edge := range resp.Service.ServiceInstances.Edges {
		inst := ServiceInstance{
			EnvironmentID: edge.Node.EnvironmentID,
			NumReplicas:   edge.Node.NumReplicas,
		}
		if d := edge.Node.LatestDeployment; d != nil {
			inst.LatestDeploymentID = d.ID
			inst.LatestDeployment = &Deployment{
				ID:            d.ID,
				ServiceID:     svc.ID,
				EnvironmentID: edge.Node.EnvironmentID,
				Status:        d.Status,
				CreatedAt:     d.CreatedAt,
			}
		}
		svc.Instances = append(svc.Instances, inst)
	}
	return svc, nil
}

// LatestDeploymentID resolves the newest deployment for a service within one
// environment. The two failure modes are distinguishable with errors.Is.
func (c *Client) LatestDeploymentID(ctx context.Context, environmentID, serviceID string) (string, error) {
	svc, err := c.GetService(ctx, serviceID)
	if err != nil {
		return "", err
	}
	for _, inst := range svc.Instances {
		if inst.EnvironmentID != environmentID {
			continue
		}
		if inst.LatestDeploymentID == "" {
			return "", ErrNoDeployment
		}
		return inst.LatestDeploymentID, nil
	}
	return "", ErrNoInstanceForEnvironment
}

const deploymentsQuery = `query deployments($input: DeploymentListInput!, $first: Int!) {
  deployments(input: $input, first: $first) {
    edges {
      node { id status createdAt serviceId environmentId }
    }
  }
}`

// ListDeployments returns recent deployments for a service, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID, environmentID, serviceID string, limit int) ([]Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	var resp struct {
		Deployments struct {
			Edges []struct {
				Node struct {
					ID            string    `json:"id"`
					Status        string    `json:"status"`
					CreatedAt     time.Time `json:"createdAt"`
					ServiceID     string    `json:"serviceId"`
					EnvironmentID string    `json:"environmentId"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"deployments"`
	}
	input := map[string]any{"environmentId": environmentID, "serviceId": serviceID}
	if projectID != "" {
		input["projectId"] = projectID
	}
	err := c.execute(ctx, "platform.ListDeployments", deploymentsQuery, map[string]any{
		"input": input,
		"first": limit,
	}, &resp)
	if err != nil {
		return nil, err
	}
	deployments := make([]Deployment, 0, len(resp.Deployments.Edges))
	for _, edge := range resp.Deployments.Edges {
		deployments = append(deployments, Deployment{
			ID:            edge.Node.ID,
			Status:        edge.Node.Status,
			CreatedAt:     edge.Node.CreatedAt,
			ServiceID:     edge.Node.ServiceID,
			EnvironmentID: edge.Node.EnvironmentID,
		})
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	return deployments, nil
}

// PreviousSucceededDeploymentID finds the rollback target: the second-most-recent
// deployment that completed successfully.
func (c *Client) PreviousSucceededDeploymentID(ctx context.Context, projectID, environmentID, serviceID string) (string, error) {
	deployments, err := c.ListDeployments(ctx, projectID, environmentID, serviceID, 20)
	if err != nil {
		return "", err
	}
	succeeded := make([]Deployment, 0, len(deployments))
	for _, d := range deployments {
		if d.Status == DeployStatusSuccess {
			succeeded = append(succeeded, d)
		}
	}
	if len(succeeded) < 2 {
		return "", ErrNoDeployment
	}
	return succeeded[1].ID, nil
}

const deploymentLogsQuery = `query deploymentLogs($deploymentId: String!, $limit: Int!) {
  deploymentLogs(deploymentId: $deploymentId, limit: $limit) {
    timestamp
    message
    severity
  }
}`

// DeploymentLogs fetches up to limit recent log lines for a deployment.
func (c *Client) DeploymentLogs(ctx context.Context, deploymentID string, limit int) ([]LogLine, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	var resp struct {
		DeploymentLogs []LogLine `json:"deploymentLogs"`
	}
	err := c.execute(ctx, "platform.DeploymentLogs", deploymentLogsQuery, map[string]any{
		"deploymentId": deploymentID,
		"limit":        limit,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.DeploymentLogs, nil
}

const variablesQuery = `query variables($projectId: String!, $environmentId: String!, $serviceId: String!) {
  variables(projectId: $projectId, environmentId: $environmentId, serviceId: $serviceId)
}`

// GetVariables returns the service's environment variables.
func (c *Client) GetVariables(ctx context.Context, projectID, environmentID, serviceID string) ([]Variable, error) {
	var resp struct {
		Variables map[string]string `json:"variables"`
	}
	err := c.execute(ctx, "platform.GetVariables", variablesQuery, map[string]any{
		"projectId":     projectID,
		"environmentId": environmentID,
		"serviceId":     serviceID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	vars := make([]Variable, 0, len(resp.Variables))
	for name, value := range resp.Variables {
		vars = append(vars, Variable{Name: name, Value: value})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars, nil
}
