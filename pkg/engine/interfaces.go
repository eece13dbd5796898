package engine

import (
	"context"

	"github.com/provisio/provisio/pkg/naming"
	"github.com/provisio/provisio/pkg/runner"
)

// Store durably persists deployment records and the summary index.
type Store interface {
	// Save writes the full deployment record and updates the index. It is
	// idempotent and safe to call after every status transition.
	Save(ctx context.Context, d *Deployment) error

	// Load returns one deployment record.
	Load(ctx context.Context, id string) (*Deployment, error)

	// LoadAll returns every recorded deployment, for startup rehydration.
	LoadAll(ctx context.Context) ([]*Deployment, error)

	// List returns the index summaries ordered by creation time.
	List(ctx context.Context) ([]Summary, error)
}

// WorkspaceManager allocates the isolated per-deployment directory the
// provisioning tool executes in.
type WorkspaceManager interface {
	// Dir returns the workspace path for a deployment.
	Dir(id string) string

	// Prepare creates the workspace and copies in the static definitions.
	Prepare(id string) (string, error)

	// WriteInputs overwrites the deployment-specific input file atomically.
	WriteInputs(id string, content string) error

	// CleanupTransient removes the disposable static definitions, keeping
	// the durable state file and the input file.
	CleanupTransient(id string) error

	// HasDurableState reports whether durable tool state exists. It is the
	// precondition for a destroy attempt.
	HasDurableState(id string) bool

	// RemoveDurableState prunes the state file after a successful destroy.
	RemoveDurableState(id string) error
}

// AuthResult reports the outcome of a cloud session check.
type AuthResult struct {
	// Skipped is true when the environment toggle bypassed the check.
	Skipped bool

	// Subscription is the selected account id, if any was applied.
	Subscription string

	// Strategy names the selection rule that chose the subscription.
	Strategy string

	// Message is a human-readable summary for the deployment log.
	Message string
}

// Credential is the explicit result of one best-effort auxiliary credential
// fetch. A fetch that fails yields Unavailable with a reason instead of an
// error, so the non-fatal contract is visible in the type.
type Credential struct {
	// OK is true when the credential was retrieved.
	OK bool

	// Reason explains why the credential is unavailable, when OK is false.
	Reason string

	// Values holds the retrieved key/value pairs.
	Values map[string]string
}

// Unavailable builds a failed credential result.
func Unavailable(reason string) Credential {
	return Credential{Reason: reason}
}

// CloudSession manages the external cloud CLI session and retrieves
// auxiliary credentials the provisioning tool does not expose.
type CloudSession interface {
	// EnsureAuthenticated probes the CLI session, logging in if needed, and
	// applies the account selection policy. A returned error is fatal and
	// aborts the run before any tool invocation.
	EnsureAuthenticated(ctx context.Context, explicitSubscription string) (AuthResult, error)

	// ActiveAccountDescription describes the currently selected account for
	// the preflight log, or an error when it cannot be read.
	ActiveAccountDescription(ctx context.Context) (string, error)

	// AIServicesKeys fetches the AI services API keys.
	AIServicesKeys(ctx context.Context, serviceName, resourceGroup string) Credential

	// StorageCredentials fetches the storage connection string and key.
	StorageCredentials(ctx context.Context, accountName, resourceGroup string) Credential

	// SearchKey fetches the search service query key and endpoint.
	SearchKey(ctx context.Context, serviceName, resourceGroup string) Credential
}

// ProvisioningTool drives the external infrastructure-as-code tool inside a
// workspace directory.
type ProvisioningTool interface {
	// Init initializes the tool in the workspace.
	Init(ctx context.Context, dir string, sink runner.LogSink) error

	// Apply provisions the configuration with auto-approval, retrying
	// bounded transient conflicts.
	Apply(ctx context.Context, dir string, sink runner.LogSink) error

	// Destroy tears down the configuration with auto-approval, under the
	// same retry policy as Apply.
	Destroy(ctx context.Context, dir string, sink runner.LogSink) error

	// Outputs queries the tool's output values after a successful apply,
	// including derived endpoint aliases.
	Outputs(ctx context.Context, dir string) (map[string]any, error)

	// InputsContent renders the tool's input-variable file from the
	// deployment parameters and derived names.
	InputsContent(p Parameters, n naming.ResourceNames) string
}

// TransitionRecorder receives every status transition for the audit trail.
// Recording is best-effort: failures are logged, never propagated.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, deploymentID string, from, to Status, message string) error
}
