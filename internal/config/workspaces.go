package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/inercia/verso/internal/appdir"
	"github.com/inercia/verso/internal/fileutil"
)

// WorkspacesFile represents the persisted workspaces in JSON format.
// This is stored in the Verso data directory as workspaces.json.
type WorkspacesFile struct {
	// Workspaces is the list of configured workspaces
	Workspaces []WorkspaceSettings `json:"workspaces"`
}

// WorkspaceSettings is the JSON representation of a workspace.
// It represents an engine + project directory pair. Each workspace can
// run its own engine sessions.
type WorkspaceSettings struct {
	// UUID is a unique identifier for this workspace.
	// Automatically generated if not set when loading or creating a workspace.
	UUID string `json:"uuid,omitempty"`
	// Engine is the name of the engine (from settings)
	Engine string `json:"engine"`
	// WorkingDir is the absolute path to the project directory
	WorkingDir string `json:"working_dir"`
	// Name is the optional friendly display name for the workspace
	// If not set, the UI should fall back to displaying the directory basename
	Name string `json:"name,omitempty"`
}

// WorkspaceID returns a unique identifier for this workspace.
// Returns the UUID if set, otherwise falls back to the working directory.
func (w *WorkspaceSettings) WorkspaceID() string {
	if w.UUID != "" {
		return w.UUID
	}
	return w.WorkingDir
}

// EnsureUUID ensures the workspace has a UUID.
// If the UUID is empty, a new one is generated.
// Returns true if a new UUID was generated.
func (w *WorkspaceSettings) EnsureUUID() bool {
	if w.UUID == "" {
		w.UUID = uuid.New().String()
		return true
	}
	return false
}

// LoadWorkspaces loads workspaces from the Verso data directory.
// Returns nil (not an error) if workspaces.json doesn't exist.
// This allows callers to distinguish between "no file" and "file with errors".
// Workspaces without UUIDs will have UUIDs generated automatically.
func LoadWorkspaces() ([]WorkspaceSettings, error) {
	workspacesPath, err := appdir.WorkspacesPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(workspacesPath); os.IsNotExist(err) {
		// No workspaces file - return nil (not an error)
		return nil, nil
	}

	var file WorkspacesFile
	if err := fileutil.ReadJSON(workspacesPath, &file); err != nil {
		return nil, fmt.Errorf("failed to read workspaces file %s: %w", workspacesPath, err)
	}

	// Ensure all workspaces have UUIDs
	needsSave := false
	for i := range file.Workspaces {
		if file.Workspaces[i].EnsureUUID() {
			needsSave = true
		}
	}

	// If any UUIDs were generated, save the file back
	if needsSave {
		if err := SaveWorkspaces(file.Workspaces); err != nil {
			_ = err // ignore save error, UUIDs will be re-generated next load
		}
	}

	return file.Workspaces, nil
}

// SaveWorkspaces saves workspaces to the Verso data directory.
func SaveWorkspaces(workspaces []WorkspaceSettings) error {
	workspacesPath, err := appdir.WorkspacesPath()
	if err != nil {
		return err
	}

	file := WorkspacesFile{
		Workspaces: workspaces,
	}

	// Use atomic write for safety
	return fileutil.WriteJSONAtomic(workspacesPath, file, 0644)
}

// FindWorkspaceByDir returns the workspace whose working directory matches dir.
func FindWorkspaceByDir(workspaces []WorkspaceSettings, dir string) *WorkspaceSettings {
	for i := range workspaces {
		if workspaces[i].WorkingDir == dir {
			return &workspaces[i]
		}
	}
	return nil
}
