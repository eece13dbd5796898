// Package workspace manages the isolated working directory each deployment
// executes the provisioning tool in.
//
// A workspace is exclusively owned by its deployment. It holds three kinds
// of files: the tool's static definitions (*.tf, copied in from the shared
// template directory, disposable), the deployment-specific input file
// (terraform.tfvars, derived from parameters and names), and the tool's
// durable execution state (terraform.tfstate), which must survive across
// the provisioning/destroy cycle.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// InputsFile is the deployment-specific input-variable file.
	InputsFile = "terraform.tfvars"

	// StateFile is the tool's durable execution state.
	StateFile = "terraform.tfstate"

	// templateGlob matches the disposable static definition files.
	templateGlob = "*.tf"
)

// Manager allocates and maintains per-deployment workspaces under a single
// root, with static definitions copied from a shared template directory.
type Manager struct {
	root        string
	templateDir string
}

// NewManager creates a workspace manager. root is the deployments root
// (one subdirectory per deployment id) and templateDir holds the shared
// static definition files.
func NewManager(root, templateDir string) *Manager {
	return &Manager{root: root, templateDir: templateDir}
}

// Dir returns the workspace directory for a deployment id.
func (m *Manager) Dir(id string) string {
	return filepath.Join(m.root, id)
}

// Prepare creates the workspace directory if absent and copies every static
// definition file from the template directory into it. It is idempotent;
// copy failures are fatal.
func (m *Manager) Prepare(id string) (string, error) {
	dir := m.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}

	templates, err := filepath.Glob(filepath.Join(m.templateDir, templateGlob))
	if err != nil {
		return "", fmt.Errorf("enumerate templates in %s: %w", m.templateDir, err)
	}
	for _, src := range templates {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("copy template %s: %w", filepath.Base(src), err)
		}
	}
	return dir, nil
}

// WriteInputs serializes the input file into the workspace, fully
// overwriting any prior version. The write is all-or-nothing: content goes
// to a temp file first and is renamed into place.
func (m *Manager) WriteInputs(id string, content string) error {
	dir := m.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, InputsFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp inputs file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write inputs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close inputs file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, InputsFile)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace inputs file: %w", err)
	}
	return nil
}

// CleanupTransient deletes only the disposable static definition files,
// preserving the durable state file and the input file so a later destroy
// can reuse them without re-copying or re-deriving names.
func (m *Manager) CleanupTransient(id string) error {
	matches, err := filepath.Glob(filepath.Join(m.Dir(id), templateGlob))
	if err != nil {
		return fmt.Errorf("enumerate transient files: %w", err)
	}
	for _, f := range matches {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

// HasDurableState reports whether the tool's durable state file exists for
// the deployment. It is the named precondition for a destroy attempt.
func (m *Manager) HasDurableState(id string) bool {
	info, err := os.Stat(filepath.Join(m.Dir(id), StateFile))
	return err == nil && !info.IsDir()
}

// RemoveDurableState deletes the durable state file. Called after a
// successful destroy, when the state no longer describes anything real.
func (m *Manager) RemoveDurableState(id string) error {
	err := os.Remove(filepath.Join(m.Dir(id), StateFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
