package platform

import (
	"context"

	"github.com/google/uuid"
)

// MutationResult reports what a remediation mutation did. The correlation ID
// is generated client-side before the mutation is issued, so it stays stable
// across the internal retry budget and a retried mutation can be recognised
// via a follow-up query before being re-issued.
type MutationResult struct {
	CorrelationID string
	DeploymentID  string
}

const restartDeploymentMutation = `mutation deploymentRestart($id: String!) {
  deploymentRestart(id: $id)
}`

// RestartDeployment restarts a running deployment in place.
func (c *Client) RestartDeployment(ctx context.Context, deploymentID string) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString(), DeploymentID: deploymentID}
	err := c.execute(ctx, "platform.RestartDeployment", restartDeploymentMutation,
		map[string]any{"id": deploymentID}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

const redeployMutation = `mutation serviceInstanceRedeploy($environmentId: String!, $serviceId: String!) {
  serviceInstanceRedeploy(environmentId: $environmentId, serviceId: $serviceId)
}`

// RedeployService triggers a fresh deployment of the service's current build.
func (c *Client) RedeployService(ctx context.Context, environmentID, serviceID string) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString()}
	err := c.execute(ctx, "platform.RedeployService", redeployMutation,
		map[string]any{"environmentId": environmentID, "serviceId": serviceID}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

const stopDeploymentMutation = `mutation deploymentStop($id: String!) {
  deploymentStop(id: $id)
}`

// StopDeployment halts a deployment.
func (c *Client) StopDeployment(ctx context.Context, deploymentID string) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString(), DeploymentID: deploymentID}
	err := c.execute(ctx, "platform.StopDeployment", stopDeploymentMutation,
		map[string]any{"id": deploymentID}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

const cancelDeploymentMutation = `mutation deploymentCancel($id: String!) {
  deploymentCancel(id: $id)
}`

// CancelDeployment cancels an in-progress build or deploy.
func (c *Client) CancelDeployment(ctx context.Context, deploymentID string) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString(), DeploymentID: deploymentID}
	err := c.execute(ctx, "platform.CancelDeployment", cancelDeploymentMutation,
		map[string]any{"id": deploymentID}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

const rollbackDeploymentMutation = `mutation deploymentRollback($id: String!) {
  deploymentRollback(id: $id)
}`

// RollbackDeployment re-deploys the build associated with a prior deployment.
// Callers choose the target via PreviousSucceededDeploymentID.
func (c *Client) RollbackDeployment(ctx context.Context, deploymentID string) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString(), DeploymentID: deploymentID}
	err := c.execute(ctx, "platform.RollbackDeployment", rollbackDeploymentMutation,
		map[string]any{"id": deploymentID}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

const updateInstanceMutation = `mutation serviceInstanceUpdate($environmentId: String!, $serviceId: String!, $input: ServiceInstanceUpdateInput!) {
  serviceInstanceUpdate(environmentId: $environmentId, serviceId: $serviceId, input: $input)
}`

// UpdateServiceReplicas scales the number of replicas for a service instance.
func (c *Client) UpdateServiceReplicas(ctx context.Context, environmentID, serviceID string, numReplicas int) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString()}
	err := c.execute(ctx, "platform.UpdateServiceReplicas", updateInstanceMutation, map[string]any{
		"environmentId": environmentID,
		"serviceId":     serviceID,
		"input":         map[string]any{"numReplicas": numReplicas},
	}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

const updateLimitsMutation = `mutation serviceInstanceLimitsUpdate($environmentId: String!, $serviceId: String!, $input: ServiceInstanceLimitsUpdateInput!) {
  serviceInstanceLimitsUpdate(environmentId: $environmentId, serviceId: $serviceId, input: $input)
}`

// UpdateServiceLimits sets the memory limit (in MB) for a service instance.
// Plans without limit support reject this mutation; the API error is surfaced
// to the caller rather than silently substituting a redeploy.
func (c *Client) UpdateServiceLimits(ctx context.Context, environmentID, serviceID string, memoryMB int) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString()}
	err := c.execute(ctx, "platform.UpdateServiceLimits", updateLimitsMutation, map[string]any{
		"environmentId": environmentID,
		"serviceId":     serviceID,
		"input":         map[string]any{"memoryGB": float64(memoryMB) / 1024.0},
	}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

const upsertVariableMutation = `mutation variableUpsert($input: VariableUpsertInput!) {
  variableUpsert(input: $input)
}`

// UpsertVariable creates or updates one environment variable.
func (c *Client) UpsertVariable(ctx context.Context, projectID, environmentID, serviceID, name, value string) (*MutationResult, error) {
	result := &MutationResult{CorrelationID: uuid.NewString()}
	err := c.execute(ctx, "platform.UpsertVariable", upsertVariableMutation, map[string]any{
		"input": map[string]any{
			"projectId":     projectID,
			"environmentId": environmentID,
			"serviceId":     serviceID,
			"name":          name,
			"value":         value,
		},
	}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}
