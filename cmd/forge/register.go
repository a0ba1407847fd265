package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forge-run/forge/pkg/agent"
	"github.com/forge-run/forge/pkg/models"
)

var (
	registerURL string
	registerID  string
)

var registerCmd = &cobra.Command{
	Use:   "register <project-name>",
	Short: "Register this workspace with a coordinator",
	Long: `Register creates (or refreshes) the project on the coordinator,
registers this workspace as an agent node, and writes the linkage to
.forge/config.json. Re-running register reuses the stored node identity.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerURL, "url", "http://localhost:3344", "coordinator base URL")
	registerCmd.Flags().StringVar(&registerID, "id", "", "project id (defaults to a generated id)")
}

func runRegister(cmd *cobra.Command, args []string) error {
	ws := workspace()
	name := args[0]

	// Keep the node identity stable across re-registration.
	nodeID := ""
	if prev, err := agent.LoadRegistration(ws); err != nil {
		return err
	} else if prev != nil {
		nodeID = prev.NodeID
		if registerID == "" {
			registerID = prev.ProjectID
		}
	}
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	client := agent.NewClient(registerURL, nodeID)
	ctx := cmd.Context()
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("coordinator unreachable at %s: %w", registerURL, err)
	}

	project, err := client.RegisterProject(ctx, &models.Project{
		ID:   registerID,
		Name: name,
		Path: absWorkspace(ws),
	})
	if err != nil {
		return fmt.Errorf("register project: %w", err)
	}

	host, _ := os.Hostname()
	display := fmt.Sprintf("%s@%s", filepath.Base(absWorkspace(ws)), host)
	if err := client.RegisterNode(ctx, project.ID, display, nil); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	reg := agent.Registration{
		URL:         registerURL,
		ProjectID:   project.ID,
		ProjectName: project.Name,
		NodeID:      nodeID,
	}
	if err := reg.Save(ws); err != nil {
		return fmt.Errorf("save registration: %w", err)
	}

	fmt.Printf("Registered project %q (%s) as node %s\n", project.Name, project.ID, nodeID)
	return nil
}

func absWorkspace(ws agent.Workspace) string {
	abs, err := filepath.Abs(ws.Root)
	if err != nil {
		return ws.Root
	}
	return abs
}
