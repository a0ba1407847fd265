package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// CriterionType tags the config variant carried by a criterion.
type CriterionType string

// Criterion types.
const (
	CriterionPromise      CriterionType = "promise"
	CriterionCommand      CriterionType = "command"
	CriterionFileExists   CriterionType = "file-exists"
	CriterionFileContains CriterionType = "file-contains"
	CriterionTestPass     CriterionType = "test-pass"
	CriterionLintClean    CriterionType = "lint-clean"
	CriterionCoverage     CriterionType = "coverage"
	CriterionCustomScript CriterionType = "custom-script"
)

// CriterionConfig is the tagged configuration union. Exactly one concrete
// variant exists per CriterionType; the evaluator dispatches on the tag.
type CriterionConfig interface {
	criterionType() CriterionType
}

// PromiseConfig passes when the runtime's extracted <promise> text equals Text.
type PromiseConfig struct {
	Text string `json:"text" yaml:"text"`
}

// CommandConfig passes when the command exits with ExpectedExit (default 0).
type CommandConfig struct {
	Command      string `json:"command" yaml:"command"`
	ExpectedExit int    `json:"expectedExit,omitempty" yaml:"expectedExit,omitempty"`
}

// FileExistsConfig passes when Path exists.
type FileExistsConfig struct {
	Path string `json:"path" yaml:"path"`
}

// FileContainsConfig passes when the file matches Pattern, as a substring or,
// with Regex set, as a regular expression.
type FileContainsConfig struct {
	Path    string `json:"path" yaml:"path"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Regex   bool   `json:"regex,omitempty" yaml:"regex,omitempty"`
}

// TestPassConfig passes when the package test runner exits successfully.
type TestPassConfig struct {
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

// LintCleanConfig passes when the parsed error count is at most MaxErrors.
type LintCleanConfig struct {
	Command   string `json:"command" yaml:"command"`
	MaxErrors int    `json:"maxErrors,omitempty" yaml:"maxErrors,omitempty"`
}

// CoverageConfig passes when the parsed coverage percentage is at least Min.
type CoverageConfig struct {
	Command string  `json:"command" yaml:"command"`
	Min     float64 `json:"min" yaml:"min"`
}

// CustomScriptConfig passes when the script exits successfully.
type CustomScriptConfig struct {
	Script string   `json:"script" yaml:"script"`
	Args   []string `json:"args,omitempty" yaml:"args,omitempty"`
}

func (PromiseConfig) criterionType() CriterionType      { return CriterionPromise }
func (CommandConfig) criterionType() CriterionType      { return CriterionCommand }
func (FileExistsConfig) criterionType() CriterionType   { return CriterionFileExists }
func (FileContainsConfig) criterionType() CriterionType { return CriterionFileContains }
func (TestPassConfig) criterionType() CriterionType     { return CriterionTestPass }
func (LintCleanConfig) criterionType() CriterionType    { return CriterionLintClean }
func (CoverageConfig) criterionType() CriterionType     { return CriterionCoverage }
func (CustomScriptConfig) criterionType() CriterionType { return CriterionCustomScript }

// newCriterionConfig allocates the variant matching the tag.
func newCriterionConfig(t CriterionType) (CriterionConfig, error) {
	switch t {
	case CriterionPromise:
		return &PromiseConfig{}, nil
	case CriterionCommand:
		return &CommandConfig{}, nil
	case CriterionFileExists:
		return &FileExistsConfig{}, nil
	case CriterionFileContains:
		return &FileContainsConfig{}, nil
	case CriterionTestPass:
		return &TestPassConfig{}, nil
	case CriterionLintClean:
		return &LintCleanConfig{}, nil
	case CriterionCoverage:
		return &CoverageConfig{}, nil
	case CriterionCustomScript:
		return &CustomScriptConfig{}, nil
	}
	return nil, fmt.Errorf("unknown criterion type: %q", t)
}

// Criterion is a named, weighted predicate deciding whether a task is done.
type Criterion struct {
	Name     string
	Type     CriterionType
	Weight   int
	Required bool
	Config   CriterionConfig
}

// EffectiveWeight treats unset weights as 1.
func (c Criterion) EffectiveWeight() int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

type criterionEnvelope struct {
	Name     string          `json:"name,omitempty"`
	Type     CriterionType   `json:"type"`
	Weight   int             `json:"weight,omitempty"`
	Required bool            `json:"required,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the criterion with its config under the type tag.
func (c Criterion) MarshalJSON() ([]byte, error) {
	env := criterionEnvelope{Name: c.Name, Type: c.Type, Weight: c.Weight, Required: c.Required}
	if c.Config != nil {
		raw, err := json.Marshal(c.Config)
		if err != nil {
			return nil, err
		}
		env.Config = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope, then the variant selected by the tag.
func (c *Criterion) UnmarshalJSON(data []byte) error {
	var env criterionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	cfg, err := newCriterionConfig(env.Type)
	if err != nil {
		return err
	}
	if len(env.Config) > 0 {
		if err := json.Unmarshal(env.Config, cfg); err != nil {
			return fmt.Errorf("criterion %s config: %w", env.Type, err)
		}
	}
	c.Name = env.Name
	c.Type = env.Type
	c.Weight = env.Weight
	c.Required = env.Required
	c.Config = cfg
	return nil
}

type criterionYAMLEnvelope struct {
	Name     string        `yaml:"name,omitempty"`
	Type     CriterionType `yaml:"type"`
	Weight   int           `yaml:"weight,omitempty"`
	Required bool          `yaml:"required,omitempty"`
	Config   yaml.Node     `yaml:"config,omitempty"`
}

// UnmarshalYAML decodes user-authored task definition criteria.
func (c *Criterion) UnmarshalYAML(value *yaml.Node) error {
	var env criterionYAMLEnvelope
	if err := value.Decode(&env); err != nil {
		return err
	}
	cfg, err := newCriterionConfig(env.Type)
	if err != nil {
		return err
	}
	if env.Config.Kind != 0 {
		if err := env.Config.Decode(cfg); err != nil {
			return fmt.Errorf("criterion %s config: %w", env.Type, err)
		}
	}
	c.Name = env.Name
	c.Type = env.Type
	c.Weight = env.Weight
	c.Required = env.Required
	c.Config = cfg
	return nil
}

// MarshalYAML round-trips the criterion for task definition files.
func (c Criterion) MarshalYAML() (any, error) {
	out := map[string]any{"type": string(c.Type)}
	if c.Name != "" {
		out["name"] = c.Name
	}
	if c.Weight != 0 {
		out["weight"] = c.Weight
	}
	if c.Required {
		out["required"] = c.Required
	}
	if c.Config != nil {
		out["config"] = c.Config
	}
	return out, nil
}
