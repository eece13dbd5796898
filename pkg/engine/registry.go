package engine

import (
	"sync"
)

// Registry is the process-wide working set of deployments. It is populated
// from the state store at startup and mutated only through the
// orchestrator's transition functions; observers read through snapshots and
// cursors, never the live records.
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment
	order       []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		deployments: make(map[string]*Deployment),
	}
}

// Put registers a deployment. Re-registering an id replaces the record but
// keeps its original insertion position.
func (r *Registry) Put(d *Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployments[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.deployments[d.ID] = d
}

// Snapshot returns a deep copy of one deployment, safe to read while the
// owning run keeps executing.
func (r *Registry) Snapshot(id string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[id]
	if !ok {
		return Deployment{}, false
	}
	return cloneDeployment(d), true
}

// List returns snapshots of all deployments in insertion order.
func (r *Registry) List() []Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Deployment, 0, len(r.order))
	for _, id := range r.order {
		if d, ok := r.deployments[id]; ok {
			out = append(out, cloneDeployment(d))
		}
	}
	return out
}

// Status returns the current status of a deployment.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[id]
	if !ok {
		return "", false
	}
	return d.Status, true
}

// AppendLog appends one line to a deployment's log. The log is append-only;
// lines are never reordered or truncated.
func (r *Registry) AppendLog(id string, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deployments[id]; ok {
		d.Log = append(d.Log, line)
	}
}

// LogsSince returns a copy of the log lines appended at or after the cursor
// position, the next cursor, and the current status. Many cursors may read
// one deployment concurrently.
func (r *Registry) LogsSince(id string, cursor int) (lines []string, next int, status Status, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, exists := r.deployments[id]
	if !exists {
		return nil, 0, "", false
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(d.Log) {
		cursor = len(d.Log)
	}
	lines = make([]string, len(d.Log)-cursor)
	copy(lines, d.Log[cursor:])
	return lines, len(d.Log), d.Status, true
}

// tryBeginRun atomically gates entry into an active status: the eligibility
// check and the status write happen under one lock acquisition, so at most
// one caller can move a deployment into a run. A nil eligible admits any
// non-active status. Returns the prior status on success.
func (r *Registry) tryBeginRun(id string, to Status, eligible func(Status) error) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return "", NewPermanentError("deployment not found", nil).
			WithCode(ErrCodeNotFound).WithDeployment(id)
	}
	if d.Status.IsActive() {
		return "", NewPermanentError("a run is already executing for this deployment", nil).
			WithCode(ErrCodeConflict).WithDeployment(id)
	}
	if eligible != nil {
		if err := eligible(d.Status); err != nil {
			return "", err
		}
	}
	from := d.Status
	d.Status = to
	return from, nil
}

// setStatus updates the status; used only by the orchestrator.
func (r *Registry) setStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deployments[id]; ok {
		d.Status = status
	}
}

// setError records the triggering error for a failed attempt.
func (r *Registry) setError(id string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deployments[id]; ok {
		d.Error = msg
	}
}

// mergeOutputs merges values into the deployment's outputs.
func (r *Registry) mergeOutputs(id string, values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return
	}
	if d.Outputs == nil {
		d.Outputs = make(map[string]any, len(values))
	}
	for k, v := range values {
		d.Outputs[k] = v
	}
}

// setOutputIfAbsent sets an output key only when it is not already present.
func (r *Registry) setOutputIfAbsent(id, key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return
	}
	if d.Outputs == nil {
		d.Outputs = make(map[string]any)
	}
	if _, present := d.Outputs[key]; !present {
		d.Outputs[key] = value
	}
}

// clearOutputs empties the deployment's outputs after a destroy.
func (r *Registry) clearOutputs(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deployments[id]; ok {
		d.Outputs = make(map[string]any)
	}
}

// updateParams applies a mutation to the deployment's parameters. Used once,
// to persist an auto-selected subscription before inputs are generated.
func (r *Registry) updateParams(id string, mutate func(*Parameters)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deployments[id]; ok {
		mutate(&d.Params)
	}
}

// setCompletedAt stamps the terminal time for the current attempt.
func (r *Registry) setCompletedAt(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deployments[id]; ok {
		now := nowUTC()
		d.CompletedAt = &now
	}
}

func cloneDeployment(d *Deployment) Deployment {
	out := *d
	out.Log = make([]string, len(d.Log))
	copy(out.Log, d.Log)
	out.Outputs = make(map[string]any, len(d.Outputs))
	for k, v := range d.Outputs {
		out.Outputs[k] = v
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
