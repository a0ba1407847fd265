package agent

import (
	"errors"
	"os"
)

// Registration links a workspace to a coordinator project, persisted at
// .forge/config.json by `forge register`.
type Registration struct {
	URL         string `json:"url"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName,omitempty"`
	NodeID      string `json:"nodeId"`
}

// LoadRegistration reads the workspace registration. Returns (nil, nil) when
// the workspace was never registered.
func LoadRegistration(ws Workspace) (*Registration, error) {
	var reg Registration
	if err := readJSON(ws.ConfigPath(), &reg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &reg, nil
}

// Save persists the registration atomically.
func (r *Registration) Save(ws Workspace) error {
	return writeJSONAtomic(ws.ConfigPath(), r)
}

// Link derives the coordinator linkage carried in task state.
func (r *Registration) Link() Link {
	return Link{
		URL:       r.URL,
		ProjectID: r.ProjectID,
		NodeID:    r.NodeID,
	}
}
