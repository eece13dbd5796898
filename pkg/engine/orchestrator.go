package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/provisio/provisio/pkg/naming"
	"github.com/provisio/provisio/pkg/runner"
	"github.com/provisio/provisio/pkg/telemetry"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Options configures an Orchestrator. Store, Workspaces, Cloud, and Tool are
// required; Audit and Telemetry are optional.
type Options struct {
	// Store persists deployment records and the summary index.
	Store Store

	// Workspaces manages the per-deployment execution directories.
	Workspaces WorkspaceManager

	// Cloud manages the external CLI session and auxiliary credentials.
	Cloud CloudSession

	// Tool drives the infrastructure-as-code tool.
	Tool ProvisioningTool

	// Audit receives every status transition; may be nil.
	Audit TransitionRecorder

	// Telemetry provides logging, metrics, tracing, and events. When nil a
	// default instance is created.
	Telemetry *telemetry.Telemetry
}

// Orchestrator is the deployment state machine. It owns the registry, drives
// each run through its phases, and records every transition in the store.
// Runs block; callers start them on their own goroutines. Each run's steps
// execute strictly sequentially, while independent deployments run
// concurrently without an upper bound.
type Orchestrator struct {
	registry   *Registry
	store      Store
	workspaces WorkspaceManager
	cloud      CloudSession
	tool       ProvisioningTool
	audit      TransitionRecorder

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer

	validate *validator.Validate
}

// NewOrchestrator creates an orchestrator from its collaborators.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, NewPermanentError("orchestrator requires a store", nil).WithCode(ErrCodeInternal)
	}
	if opts.Workspaces == nil {
		return nil, NewPermanentError("orchestrator requires a workspace manager", nil).WithCode(ErrCodeInternal)
	}
	if opts.Cloud == nil {
		return nil, NewPermanentError("orchestrator requires a cloud session", nil).WithCode(ErrCodeInternal)
	}
	if opts.Tool == nil {
		return nil, NewPermanentError("orchestrator requires a provisioning tool", nil).WithCode(ErrCodeInternal)
	}

	tel := opts.Telemetry
	if tel == nil {
		var err error
		tel, err = telemetry.New(telemetry.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		registry:   NewRegistry(),
		store:      opts.Store,
		workspaces: opts.Workspaces,
		cloud:      opts.Cloud,
		tool:       opts.Tool,
		audit:      opts.Audit,
		logger:     tel.Logger.NewComponentLogger("orchestrator"),
		metrics:    tel.Metrics,
		events:     tel.Events,
		tracer:     tel.Tracer,
		validate:   validator.New(),
	}, nil
}

// Rehydrate loads all persisted deployments into the registry. Called once at
// startup, before any run is started.
func (o *Orchestrator) Rehydrate(ctx context.Context) error {
	records, err := o.store.LoadAll(ctx)
	if err != nil {
		return NewPermanentError("failed to load persisted deployments", err).WithCode(ErrCodePersistence)
	}
	for _, d := range records {
		// A process restart orphans any run that was mid-flight; mark it
		// failed so the record is retry-eligible instead of stuck active.
		if d.Status.IsActive() {
			d.Status = StatusFailed
			d.Error = "run interrupted by process restart"
			d.Log = append(d.Log, "ERROR: run interrupted by process restart")
			o.registry.Put(d)
			// Write the rewrite back so the index and the record agree.
			o.persist(ctx, d.ID)
			continue
		}
		o.registry.Put(d)
	}
	o.logger.Infof("rehydrated %d deployments from state store", len(records))
	return nil
}

// Create registers a new deployment in pending status. The parameters are
// validated, the naming seed is sanitized, and resource names are derived
// exactly once.
func (o *Orchestrator) Create(ctx context.Context, params Parameters) (Deployment, error) {
	params.ResourceGroupBase = naming.SanitizeBase(params.ResourceGroupBase)
	if err := o.validate.Struct(params); err != nil {
		return Deployment{}, NewPermanentError("invalid deployment parameters", err).WithCode(ErrCodeValidation)
	}

	d := &Deployment{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Params:    params,
		Names:     naming.Build(params.ResourceGroupBase),
		Log:       []string{},
		Outputs:   map[string]any{},
		CreatedAt: nowUTC(),
	}
	o.registry.Put(d)
	o.persist(ctx, d.ID)

	o.logger.WithDeploymentID(d.ID).Infof("deployment created for resource group %s", params.ResourceGroupName())
	snap, _ := o.registry.Snapshot(d.ID)
	return snap, nil
}

// Get returns a snapshot of one deployment.
func (o *Orchestrator) Get(id string) (Deployment, bool) {
	return o.registry.Snapshot(id)
}

// List returns snapshots of all registered deployments.
func (o *Orchestrator) List() []Deployment {
	return o.registry.List()
}

// LogsSince returns log lines appended at or after the cursor, the next
// cursor, and the current status.
func (o *Orchestrator) LogsSince(id string, cursor int) ([]string, int, Status, bool) {
	return o.registry.LogsSince(id, cursor)
}

// Summaries returns the persisted index entries ordered by creation time.
func (o *Orchestrator) Summaries(ctx context.Context) ([]Summary, error) {
	return o.store.List(ctx)
}

// Provision drives one full provisioning run to a terminal status. It blocks
// until the run finishes; the returned error mirrors the recorded failure.
func (o *Orchestrator) Provision(ctx context.Context, id string) error {
	// Entering the active status and checking eligibility happen as one
	// atomic step; a concurrent call for the same id loses here and never
	// reaches the tool.
	from, err := o.registry.tryBeginRun(id, StatusProvisioning, func(s Status) error {
		if s != StatusPending && s != StatusFailed {
			return NewPermanentError(fmt.Sprintf("cannot provision from status %s", s), nil).
				WithCode(ErrCodePrecondition).WithDeployment(id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ctx, span := o.tracer.StartRunSpan(ctx, id, "provision")
	defer span.End()
	timer := telemetry.NewTimer()
	o.metrics.RecordRunStarted("provision")
	o.events.PublishDeploymentStarted(id)

	o.announce(ctx, id, from, StatusProvisioning, "provisioning started")

	if err := o.runProvision(ctx, id); err != nil {
		if cleanupErr := o.workspaces.CleanupTransient(id); cleanupErr == nil {
			o.appendLog(id, "[CLEANUP] Removed tool definitions after error")
		}
		o.appendLog(id, fmt.Sprintf("ERROR: %v", err))
		o.registry.setError(id, err.Error())
		o.registry.setCompletedAt(id)
		o.transition(ctx, id, StatusFailed, err.Error())

		o.recordRunError("provision", err, timer)
		o.events.PublishDeploymentFailed(id, err.Error())
		telemetry.RecordError(span, err)
		return err
	}

	o.registry.setCompletedAt(id)
	o.appendLog(id, "Deployment completed successfully")
	o.transition(ctx, id, StatusCompleted, "provisioning completed")

	o.metrics.RecordRunCompleted("provision", string(StatusCompleted), timer.Duration())
	o.events.PublishDeploymentCompleted(id, timer.Duration())
	telemetry.RecordSuccess(span)
	o.logger.WithDeploymentID(id).Info("deployment completed")
	return nil
}

// runProvision executes the provisioning pipeline. Any returned error sends
// the deployment to failed; auxiliary credential fetches never return errors.
func (o *Orchestrator) runProvision(ctx context.Context, id string) error {
	if err := o.authenticate(ctx, id); err != nil {
		return err
	}

	o.appendLog(id, "[SETUP] Creating isolated tool workspace")
	dir, err := o.workspaces.Prepare(id)
	if err != nil {
		return NewPermanentError("failed to prepare workspace", err).
			WithCode(ErrCodeInternal).WithDeployment(id).WithOperation("prepare")
	}
	o.appendLog(id, fmt.Sprintf("[SETUP] Copied tool definitions to %s", dir))

	// Re-read the record: authenticate may have written back an
	// auto-selected subscription, and the inputs must include it.
	snap, ok := o.registry.Snapshot(id)
	if !ok {
		return NewPermanentError("deployment disappeared from registry", nil).WithCode(ErrCodeInternal)
	}
	if err := o.workspaces.WriteInputs(id, o.tool.InputsContent(snap.Params, snap.Names)); err != nil {
		return NewPermanentError("failed to write tool inputs", err).
			WithCode(ErrCodeInternal).WithDeployment(id).WithOperation("inputs")
	}
	o.appendLog(id, fmt.Sprintf("[DEBUG] include_search=%t search_service_name=%s",
		snap.Params.IncludeSearch, snap.Names.SearchService))

	o.appendLog(id, "[PRECHECK] Environment validation placeholder (quotas not yet checked).")
	if desc, descErr := o.cloud.ActiveAccountDescription(ctx); descErr != nil {
		o.appendLog(id, fmt.Sprintf("[PRECHECK][WARN] Could not read active account: %v", descErr))
	} else {
		o.appendLog(id, "[PRECHECK] Active subscription: "+desc)
	}

	sink := o.logSink(id)
	o.appendLog(id, fmt.Sprintf("[TOOL] Executing in isolated workspace: %s", dir))

	if err := o.phase(ctx, id, "init", func() error { return o.tool.Init(ctx, dir, sink) }); err != nil {
		return NewPermanentError("tool init failed", err).
			WithCode(ErrCodeToolFailed).WithDeployment(id).WithOperation("init")
	}
	if err := o.phase(ctx, id, "apply", func() error { return o.tool.Apply(ctx, dir, sink) }); err != nil {
		return NewPermanentError("tool apply failed", err).
			WithCode(ErrCodeToolFailed).WithDeployment(id).WithOperation("apply")
	}

	o.transition(ctx, id, StatusPostProvisioning, "collecting outputs and credentials")

	outputs, err := o.tool.Outputs(ctx, dir)
	if err != nil {
		return NewPermanentError("failed to read tool outputs", err).
			WithCode(ErrCodeToolFailed).WithDeployment(id).WithOperation("output")
	}
	o.registry.mergeOutputs(id, outputs)

	if ep, _ := outputs["foundry_project_endpoint"].(string); ep != "" {
		o.appendLog(id, "[INFO] Foundry project endpoint: "+ep)
	} else {
		o.appendLog(id, "[INFO] Foundry project endpoint not exposed by provider yet or null.")
	}

	o.collectCredentials(ctx, id, snap, outputs)

	if err := o.workspaces.CleanupTransient(id); err != nil {
		return NewPermanentError("failed to clean up workspace", err).
			WithCode(ErrCodeInternal).WithDeployment(id).WithOperation("cleanup")
	}
	o.appendLog(id, "[CLEANUP] Removed tool definitions, kept state and inputs")
	return nil
}

// collectCredentials fetches the auxiliary credentials the tool does not
// expose. Every fetch is best-effort: an unavailable credential leaves a
// warning in the log and never fails the run.
func (o *Orchestrator) collectCredentials(ctx context.Context, id string, snap Deployment, outputs map[string]any) {
	rg := snap.Params.ResourceGroupName()

	o.appendLog(id, "Retrieving AI services keys...")
	cred := o.cloud.AIServicesKeys(ctx, snap.Names.AIServices, rg)
	o.metrics.RecordCredentialFetch("ai_services", cred.OK)
	if cred.OK {
		endpoint, _ := outputs["openai_endpoint"].(string)
		if endpoint == "" {
			endpoint, _ = outputs["ai_services_endpoint"].(string)
		}
		o.registry.mergeOutputs(id, map[string]any{
			"azure_openai_endpoint":          endpoint,
			"azure_openai_api_key_primary":   cred.Values["key1"],
			"azure_openai_api_key_secondary": cred.Values["key2"],
		})
		if name, _ := outputs["openai_deployment_name"].(string); name != "" {
			o.registry.setOutputIfAbsent(id, "openai_model_deployment_name", name)
		}
	} else {
		o.credentialWarning(id, "ai_services", cred.Reason, "[WARN] Could not fetch AI services keys")
	}

	o.appendLog(id, "Retrieving storage connection string...")
	cred = o.cloud.StorageCredentials(ctx, snap.Names.StorageAccount, rg)
	o.metrics.RecordCredentialFetch("storage", cred.OK)
	if cred.OK {
		o.registry.mergeOutputs(id, map[string]any{
			"storage_connection_string": cred.Values["connection_string"],
			"storage_account_key":       cred.Values["account_key"],
		})
	} else {
		o.credentialWarning(id, "storage", cred.Reason, "[WARN] Could not fetch storage credentials")
	}

	if snap.Params.IncludeSearch {
		o.appendLog(id, "Retrieving search service query key...")
		cred = o.cloud.SearchKey(ctx, snap.Names.SearchService, rg)
		o.metrics.RecordCredentialFetch("search", cred.OK)
		if cred.OK {
			o.registry.mergeOutputs(id, map[string]any{
				"azure_ai_search_url": cred.Values["search_url"],
				"azure_ai_search_key": cred.Values["search_key"],
			})
		} else {
			o.credentialWarning(id, "search", cred.Reason, "[WARN] Could not fetch search credentials")
		}
	}
}

// CanDestroy checks the destroy preconditions without starting any external
// process: the deployment must exist, must not be mid-run, and durable tool
// state must be present.
func (o *Orchestrator) CanDestroy(id string) error {
	snap, ok := o.registry.Snapshot(id)
	if !ok {
		return NewPermanentError("deployment not found", nil).WithCode(ErrCodeNotFound).WithDeployment(id)
	}
	if snap.Status.IsActive() {
		return NewPermanentError("a run is already executing for this deployment", nil).
			WithCode(ErrCodeConflict).WithDeployment(id)
	}
	if !o.workspaces.HasDurableState(id) {
		return NewPermanentError(
			fmt.Sprintf("cannot destroy deployment %s: no tool state found", shortID(id)), nil).
			WithCode(ErrCodePrecondition).WithDeployment(id)
	}
	return nil
}

// Destroy drives one full destroy run to a terminal status. The durable tool
// state is the hard precondition: without it, no external process starts.
func (o *Orchestrator) Destroy(ctx context.Context, id string) error {
	if err := o.CanDestroy(id); err != nil {
		return err
	}
	// CanDestroy is advisory; the atomic swap below is the gate that keeps
	// two destroys off the same workspace.
	from, err := o.registry.tryBeginRun(id, StatusDestroying, nil)
	if err != nil {
		return err
	}

	ctx, span := o.tracer.StartRunSpan(ctx, id, "destroy")
	defer span.End()
	timer := telemetry.NewTimer()
	o.metrics.RecordRunStarted("destroy")

	o.announce(ctx, id, from, StatusDestroying, "destroy started")

	if err := o.runDestroy(ctx, id); err != nil {
		o.appendLog(id, fmt.Sprintf("ERROR during destroy: %v", err))
		o.registry.setError(id, err.Error())
		o.registry.setCompletedAt(id)
		o.transition(ctx, id, StatusDestroyFailed, err.Error())

		o.recordRunError("destroy", err, timer)
		o.events.PublishDeploymentFailed(id, err.Error())
		telemetry.RecordError(span, err)
		return err
	}

	o.registry.clearOutputs(id)
	o.registry.setError(id, "")
	o.registry.setCompletedAt(id)
	o.transition(ctx, id, StatusDestroyed, "destroy completed")

	o.metrics.RecordRunCompleted("destroy", string(StatusDestroyed), timer.Duration())
	telemetry.RecordSuccess(span)
	o.logger.WithDeploymentID(id).Info("deployment destroyed")
	return nil
}

func (o *Orchestrator) runDestroy(ctx context.Context, id string) error {
	if err := o.authenticate(ctx, id); err != nil {
		return err
	}

	o.appendLog(id, "[SETUP] Creating isolated tool workspace for destroy")
	dir, err := o.workspaces.Prepare(id)
	if err != nil {
		return NewPermanentError("failed to prepare workspace", err).
			WithCode(ErrCodeInternal).WithDeployment(id).WithOperation("prepare")
	}
	o.appendLog(id, fmt.Sprintf("[SETUP] Reusing tool definitions with existing state in %s", dir))

	o.appendLog(id, fmt.Sprintf("[TOOL] Destroying from isolated workspace: %s", dir))
	o.appendLog(id, "Starting destroy...")

	if err := o.phase(ctx, id, "destroy", func() error { return o.tool.Destroy(ctx, dir, o.logSink(id)) }); err != nil {
		return NewPermanentError("tool destroy failed", err).
			WithCode(ErrCodeToolFailed).WithDeployment(id).WithOperation("destroy")
	}

	o.appendLog(id, "Resources destroyed successfully")

	if err := o.workspaces.CleanupTransient(id); err == nil {
		o.appendLog(id, "[CLEANUP] Removed tool definitions after successful destroy")
	}
	// The state file describes resources that no longer exist.
	if err := o.workspaces.RemoveDurableState(id); err != nil {
		o.logger.WithDeploymentID(id).WithError(err).Warn("failed to prune tool state file")
	}
	return nil
}

// authenticate runs the cloud session check and writes an auto-selected
// subscription back into the parameters so the tool inputs include it.
func (o *Orchestrator) authenticate(ctx context.Context, id string) error {
	snap, _ := o.registry.Snapshot(id)
	auth, err := o.cloud.EnsureAuthenticated(ctx, snap.Params.SubscriptionID)
	if auth.Message != "" {
		o.appendLog(id, "[AUTH] "+auth.Message)
	}
	if err != nil {
		return NewPermanentError("cloud authentication failed", err).
			WithCode(ErrCodeAuthFailed).WithDeployment(id).WithOperation("auth")
	}
	if auth.Subscription != "" && snap.Params.SubscriptionID == "" {
		o.registry.updateParams(id, func(p *Parameters) {
			p.SubscriptionID = auth.Subscription
		})
	}
	return nil
}

// phase runs one named step of a run with a span and a duration metric.
func (o *Orchestrator) phase(ctx context.Context, id, name string, fn func() error) error {
	_, span := o.tracer.StartPhaseSpan(ctx, id, name)
	defer span.End()
	timer := telemetry.NewTimer()
	err := fn()
	o.metrics.RecordPhase(name, timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// transition moves a deployment to a new status, notifies observers, records
// the audit entry, and persists the full record. Used for the intra-run
// transitions, where the run already owns the record; run entry goes through
// tryBeginRun instead.
func (o *Orchestrator) transition(ctx context.Context, id string, to Status, note string) {
	from, _ := o.registry.Status(id)
	o.registry.setStatus(id, to)
	o.announce(ctx, id, from, to, note)
}

// announce publishes a transition whose status is already written: event,
// audit entry, persisted record. Persistence and audit failures are logged,
// never propagated.
func (o *Orchestrator) announce(ctx context.Context, id string, from, to Status, note string) {
	o.events.PublishDeploymentPhase(id, string(from), string(to))
	if o.audit != nil {
		if err := o.audit.RecordTransition(ctx, id, from, to, note); err != nil {
			o.logger.WithDeploymentID(id).WithError(err).Warn("failed to record audit transition")
		}
	}
	o.persist(ctx, id)
}

// persist saves the current record snapshot to the store.
func (o *Orchestrator) persist(ctx context.Context, id string) {
	snap, ok := o.registry.Snapshot(id)
	if !ok {
		return
	}
	if err := o.store.Save(ctx, &snap); err != nil {
		o.metrics.RecordPersistenceFailure()
		o.logger.WithDeploymentID(id).WithError(err).Error("failed to persist deployment record")
	}
}

func (o *Orchestrator) recordRunError(operation string, err error, timer *telemetry.Timer) {
	status := StatusFailed
	if operation == "destroy" {
		status = StatusDestroyFailed
	}
	o.metrics.RecordRunCompleted(operation, string(status), timer.Duration())
	class := "permanent"
	if IsTransient(err) {
		class = "transient"
	}
	code := ""
	var de *DeploymentError
	if errors.As(err, &de) {
		code = de.Code
	}
	o.metrics.RecordError(class, code)
}

func (o *Orchestrator) credentialWarning(id, kind, reason, line string) {
	if reason != "" {
		line = line + ": " + reason
	}
	o.appendLog(id, line)
	o.events.PublishCredentialWarning(id, kind, reason)
	o.logger.WithDeploymentID(id).WithField("credential", kind).Warn("credential unavailable")
}

// appendLog writes one line to the deployment log and notifies stream
// subscribers.
func (o *Orchestrator) appendLog(id, line string) {
	o.registry.AppendLog(id, line)
	o.events.PublishDeploymentLog(id, line)
}

// logSink bridges streamed command output into the deployment log.
func (o *Orchestrator) logSink(id string) runner.LogSink {
	return func(line string) {
		o.appendLog(id, line)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
