package engine

import (
	"fmt"
	"time"

	"github.com/provisio/provisio/pkg/naming"
)

// Status represents the lifecycle status of a deployment.
type Status string

const (
	// StatusPending indicates the deployment is created but not yet started.
	StatusPending Status = "pending"

	// StatusProvisioning indicates the provisioning tool is being executed.
	StatusProvisioning Status = "provisioning"

	// StatusPostProvisioning indicates the tool applied successfully and
	// outputs plus auxiliary credentials are being collected.
	StatusPostProvisioning Status = "post_provisioning"

	// StatusCompleted indicates provisioning finished and outputs are available.
	StatusCompleted Status = "completed"

	// StatusDestroying indicates the tool's destroy operation is executing.
	StatusDestroying Status = "destroying"

	// StatusDestroyed indicates all provisioned resources were torn down.
	StatusDestroyed Status = "destroyed"

	// StatusFailed indicates the provisioning attempt failed.
	StatusFailed Status = "failed"

	// StatusDestroyFailed indicates the destroy attempt failed.
	StatusDestroyFailed Status = "destroy_failed"
)

// IsTerminal returns true if the status is final for the current attempt.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDestroyed ||
		s == StatusFailed || s == StatusDestroyFailed
}

// IsActive returns true if a run is currently executing for the deployment.
func (s Status) IsActive() bool {
	return s == StatusProvisioning || s == StatusPostProvisioning ||
		s == StatusDestroying
}

// IsRetryableFailure returns true if the status is a terminal failure that a
// fresh attempt may re-enter provisioning or destroying from.
func (s Status) IsRetryableFailure() bool {
	return s == StatusFailed || s == StatusDestroyFailed
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusProvisioning, StatusPostProvisioning,
		StatusCompleted, StatusDestroying, StatusDestroyed,
		StatusFailed, StatusDestroyFailed:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// Parameters is the immutable input set supplied at deployment creation.
type Parameters struct {
	// ResourceGroupBase is the naming seed; sanitized at creation.
	ResourceGroupBase string `json:"resource_group_base" yaml:"resource_group_base" validate:"required"`

	// Location is the target cloud region.
	Location string `json:"location" yaml:"location" validate:"required"`

	// IncludeSearch enables the optional search service.
	IncludeSearch bool `json:"include_search" yaml:"include_search"`

	// SubscriptionID is an optional explicit subscription hint. When empty
	// the session manager's selection policy picks one, and the chosen id
	// is written back here before the tool inputs are generated.
	SubscriptionID string `json:"subscription_id,omitempty" yaml:"subscription_id,omitempty"`

	// EnableModelDeployment deploys a model alongside the AI services.
	EnableModelDeployment bool `json:"enable_model_deployment" yaml:"enable_model_deployment"`

	// ModelDeploymentName is the name for the deployed model.
	ModelDeploymentName string `json:"model_deployment_name" yaml:"model_deployment_name"`

	// OpenAIModelName is the model to deploy.
	OpenAIModelName string `json:"openai_model_name" yaml:"openai_model_name" validate:"required,oneof=gpt-4.1 gpt-4.1-mini gpt-4o gpt-4o-mini"`

	// OpenAIModelVersion pins the model version; empty lets the platform choose.
	OpenAIModelVersion string `json:"openai_model_version" yaml:"openai_model_version"`

	// OpenAIDeploymentSKU is the deployment SKU for the model.
	OpenAIDeploymentSKU string `json:"openai_deployment_sku" yaml:"openai_deployment_sku"`

	// ServicePrincipalName names the service principal to create.
	ServicePrincipalName string `json:"service_principal_name" yaml:"service_principal_name" validate:"required"`

	// SecretExpirationDate is the expiration date for the principal's secret.
	SecretExpirationDate string `json:"secret_expiration_date" yaml:"secret_expiration_date" validate:"required"`
}

// ResourceGroupName is the actual resource group name applied by the tool.
func (p Parameters) ResourceGroupName() string {
	return "RG-" + p.ResourceGroupBase
}

// Deployment is the unit of work: one provisioning-or-destroy lifecycle and
// its full state.
type Deployment struct {
	// ID is the opaque unique identifier, assigned at creation, immutable.
	ID string `json:"id"`

	// Status is the current lifecycle status.
	Status Status `json:"status"`

	// Params is the immutable input set supplied at creation.
	Params Parameters `json:"params"`

	// Names maps logical resource roles to generated names, computed once
	// at creation and never recomputed.
	Names naming.ResourceNames `json:"names"`

	// Log is the append-only ordered sequence of text lines. Insertion
	// order is the only ordering guarantee; it is never truncated.
	Log []string `json:"logs"`

	// Outputs maps output keys to values, populated after successful
	// provisioning and cleared by a successful destroy.
	Outputs map[string]any `json:"outputs"`

	// Error is the triggering error message for a failed attempt.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the deployment was created.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is when the deployment last reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary is the per-deployment entry kept in the state store's index.
type Summary struct {
	// ID is the deployment identifier.
	ID string `json:"id"`

	// Name is the resource group base the deployment was created with.
	Name string `json:"name"`

	// Status is the status at the latest save.
	Status Status `json:"status"`

	// CreatedAt is the original creation timestamp. It is first-write-wins:
	// repeated saves never change it.
	CreatedAt time.Time `json:"created_at"`

	// HasState reports whether durable tool state exists for the deployment.
	HasState bool `json:"has_state"`

	// OutputsAvailable reports whether outputs were captured.
	OutputsAvailable bool `json:"outputs_available"`

	// Region is the target region.
	Region string `json:"region"`

	// IncludeSearch mirrors the optional search service flag.
	IncludeSearch bool `json:"include_search"`

	// ResourceNames are the derived names for the deployment.
	ResourceNames naming.ResourceNames `json:"resource_names"`
}
