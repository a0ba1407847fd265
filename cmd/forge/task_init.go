package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forge-run/forge/pkg/models"
)

var (
	initName          string
	initUntil         []string
	initMaxIterations int
	initDependsOn     []string
	initPriority      int
	initMode          string
	initLocal         bool
)

var initCmd = &cobra.Command{
	Use:   "init <prompt>",
	Short: "Define a new task for this workspace",
	Long: `Init writes a task definition under .forge/tasks/ and, when the
workspace is registered, creates the task on the coordinator in pending
status. Completion criteria are given as --until specs:

  --until test-pass
  --until test-pass:"npm test"
  --until command:"make build"
  --until file-exists:dist/app.js
  --until file-contains:README.md:installation
  --until lint-clean:"golangci-lint run"
  --until coverage:"go test -cover ./...":80
  --until promise:"ALL TESTS GREEN"
  --until custom-script:./scripts/verify.sh`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "task name (defaults to a prompt excerpt)")
	initCmd.Flags().StringArrayVar(&initUntil, "until", nil, "completion criterion (repeatable)")
	initCmd.Flags().IntVar(&initMaxIterations, "max-iterations", 0, "iteration cap, 0 for unlimited")
	initCmd.Flags().StringArrayVar(&initDependsOn, "depends-on", nil, "task id this task depends on (repeatable)")
	initCmd.Flags().IntVar(&initPriority, "priority", 0, "queue priority, lower runs first")
	initCmd.Flags().StringVar(&initMode, "mode", "", "criteria scoring mode: all, any, or weighted")
	initCmd.Flags().BoolVar(&initLocal, "local", false, "write the definition only, skip the coordinator")
}

// taskDef is the user-facing YAML shape written under .forge/tasks/.
type taskDef struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Prompt   string            `yaml:"prompt"`
	Priority int               `yaml:"priority,omitempty"`
	Config   models.TaskConfig `yaml:"config,omitempty"`
}

func runInit(cmd *cobra.Command, args []string) error {
	ws := workspace()
	prompt := strings.TrimSpace(args[0])
	if prompt == "" {
		return fmt.Errorf("prompt must not be empty")
	}

	criteria := make([]models.Criterion, 0, len(initUntil))
	for _, spec := range initUntil {
		c, err := parseCriterion(spec)
		if err != nil {
			return err
		}
		criteria = append(criteria, c)
	}

	name := initName
	if name == "" {
		name = excerpt(prompt, 60)
	}

	def := taskDef{
		ID:       uuid.New().String(),
		Name:     name,
		Prompt:   prompt,
		Priority: initPriority,
		Config: models.TaskConfig{
			Criteria:      criteria,
			Mode:          models.ScoringMode(initMode),
			MaxIterations: initMaxIterations,
			DependsOn:     initDependsOn,
		},
	}

	path := ws.TaskDefPath(def.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode task definition: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write task definition: %w", err)
	}
	fmt.Printf("Task %s written to %s\n", def.ID, path)

	if initLocal {
		return nil
	}
	reg, client, err := linkedClient(ws)
	if err != nil {
		fmt.Println("Not registered; task kept local. Run 'forge register' and 'forge sync' to publish it.")
		return nil
	}
	created, err := client.CreateTask(cmd.Context(), reg.ProjectID, &models.Task{
		ID:       def.ID,
		Name:     def.Name,
		Prompt:   def.Prompt,
		Priority: def.Priority,
		Config:   def.Config,
	})
	if err != nil {
		return fmt.Errorf("create task on coordinator: %w", err)
	}
	fmt.Printf("Created on coordinator as %s (status %s)\n", created.ID, created.Status)
	return nil
}

// parseCriterion turns a --until spec ("type", "type:value" or
// "type:value:extra") into a criterion. Values may be quoted to protect
// embedded colons.
func parseCriterion(spec string) (models.Criterion, error) {
	parts := splitSpec(spec)
	typ := models.CriterionType(parts[0])
	rest := parts[1:]

	c := models.Criterion{Name: string(typ), Type: typ}
	switch typ {
	case models.CriterionPromise:
		if len(rest) != 1 {
			return c, fmt.Errorf("--until promise:TEXT (got %q)", spec)
		}
		c.Config = &models.PromiseConfig{Text: rest[0]}

	case models.CriterionCommand:
		if len(rest) != 1 {
			return c, fmt.Errorf("--until command:CMD (got %q)", spec)
		}
		c.Config = &models.CommandConfig{Command: rest[0]}

	case models.CriterionFileExists:
		if len(rest) != 1 {
			return c, fmt.Errorf("--until file-exists:PATH (got %q)", spec)
		}
		c.Config = &models.FileExistsConfig{Path: rest[0]}

	case models.CriterionFileContains:
		if len(rest) != 2 {
			return c, fmt.Errorf("--until file-contains:PATH:PATTERN (got %q)", spec)
		}
		c.Config = &models.FileContainsConfig{Path: rest[0], Pattern: rest[1]}

	case models.CriterionTestPass:
		cfg := &models.TestPassConfig{}
		if len(rest) == 1 {
			cfg.Command = rest[0]
		} else if len(rest) > 1 {
			return c, fmt.Errorf("--until test-pass[:CMD] (got %q)", spec)
		}
		c.Config = cfg

	case models.CriterionLintClean:
		if len(rest) != 1 {
			return c, fmt.Errorf("--until lint-clean:CMD (got %q)", spec)
		}
		c.Config = &models.LintCleanConfig{Command: rest[0]}

	case models.CriterionCoverage:
		if len(rest) != 2 {
			return c, fmt.Errorf("--until coverage:CMD:MIN (got %q)", spec)
		}
		min, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			return c, fmt.Errorf("coverage minimum %q is not a number", rest[1])
		}
		c.Config = &models.CoverageConfig{Command: rest[0], Min: min}

	case models.CriterionCustomScript:
		if len(rest) != 1 {
			return c, fmt.Errorf("--until custom-script:SCRIPT (got %q)", spec)
		}
		c.Config = &models.CustomScriptConfig{Script: rest[0]}

	default:
		return c, fmt.Errorf("unknown criterion type %q", parts[0])
	}
	return c, nil
}

// splitSpec splits on unquoted colons and strips surrounding quotes from each
// part.
func splitSpec(spec string) []string {
	var parts []string
	var sb strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(spec); i++ {
		ch := spec[i]
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			} else {
				sb.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQuote = ch
		case ch == ':':
			parts = append(parts, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(ch)
		}
	}
	parts = append(parts, sb.String())
	return parts
}

// excerpt truncates to at most n bytes without splitting a rune.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
