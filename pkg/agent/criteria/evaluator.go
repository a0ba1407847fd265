// Package criteria evaluates a task's completion criteria and aggregates
// them into a score under the task's scoring mode.
package criteria

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forge-run/forge/pkg/models"
)

// DefaultTimeout bounds one criterion's external command.
const DefaultTimeout = 2 * time.Minute

// Input carries the per-iteration context criteria can inspect.
type Input struct {
	// Promise is the text extracted from the runtime's <promise> marker,
	// empty when absent.
	Promise string
}

// Outcome is the aggregate of one evaluation pass.
type Outcome struct {
	Results    []models.CriterionResult
	Score      float64
	IsComplete bool
}

// Evaluator runs criteria against a workspace. Criteria run in parallel;
// an individual failure becomes a failed result, never an aborted batch.
type Evaluator struct {
	workdir string
	timeout time.Duration
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator rooted at workdir.
func NewEvaluator(workdir string, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		workdir: workdir,
		timeout: timeout,
		logger:  slog.Default().With("component", "criteria"),
	}
}

// Evaluate runs every criterion and aggregates under mode. Completion
// requires all required criteria to pass, plus the mode's score condition.
func (e *Evaluator) Evaluate(ctx context.Context, criteria []models.Criterion, mode models.ScoringMode, requiredScore float64, input Input) Outcome {
	results := make([]models.CriterionResult, len(criteria))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range criteria {
		g.Go(func() error {
			results[i] = e.evaluateOne(gctx, c, input)
			return nil
		})
	}
	_ = g.Wait()

	return aggregate(results, criteria, mode, requiredScore)
}

// aggregate folds per-criterion results into a score and completion verdict.
func aggregate(results []models.CriterionResult, criteria []models.Criterion, mode models.ScoringMode, requiredScore float64) Outcome {
	out := Outcome{Results: results}
	if len(criteria) == 0 {
		return out
	}

	requiredOK := true
	passed, totalWeight, passedWeight := 0, 0, 0
	for i, c := range criteria {
		w := c.EffectiveWeight()
		totalWeight += w
		if results[i].Passed {
			passed++
			passedWeight += w
		} else if c.Required {
			requiredOK = false
		}
	}

	switch mode {
	case models.ModeAny:
		if passed > 0 {
			out.Score = 1
		}
		out.IsComplete = requiredOK && passed > 0
	case models.ModeWeighted:
		out.Score = float64(passedWeight) / float64(totalWeight)
		out.IsComplete = requiredOK && out.Score >= requiredScore
	default: // all
		if passed == len(criteria) {
			out.Score = 1
		}
		out.IsComplete = requiredOK && passed == len(criteria)
	}
	return out
}

func (e *Evaluator) evaluateOne(ctx context.Context, c models.Criterion, input Input) models.CriterionResult {
	res := models.CriterionResult{Name: c.Name, Type: string(c.Type)}

	defer func() {
		if !res.Passed && res.Error != "" {
			e.logger.Debug("Criterion failed", "name", c.Name, "type", c.Type, "error", res.Error)
		}
	}()

	switch cfg := c.Config.(type) {
	case *models.PromiseConfig:
		res.Passed = input.Promise != "" && input.Promise == cfg.Text
		if !res.Passed {
			res.Detail = fmt.Sprintf("promise %q does not match", input.Promise)
		}

	case *models.CommandConfig:
		exit, output, err := e.run(ctx, cfg.Command)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Passed = exit == cfg.ExpectedExit
		if !res.Passed {
			res.Detail = fmt.Sprintf("exit %d, want %d", exit, cfg.ExpectedExit)
			res.Detail += tail(output)
		}

	case *models.FileExistsConfig:
		_, err := os.Stat(e.resolve(cfg.Path))
		res.Passed = err == nil
		if err != nil && !os.IsNotExist(err) {
			res.Error = err.Error()
		}

	case *models.FileContainsConfig:
		data, err := os.ReadFile(e.resolve(cfg.Path))
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if cfg.Regex {
			re, err := regexp.Compile(cfg.Pattern)
			if err != nil {
				res.Error = fmt.Sprintf("invalid pattern: %v", err)
				return res
			}
			res.Passed = re.Match(data)
		} else {
			res.Passed = strings.Contains(string(data), cfg.Pattern)
		}

	case *models.TestPassConfig:
		command := cfg.Command
		if command == "" {
			command = "go test ./..."
		}
		exit, output, err := e.run(ctx, command)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Passed = exit == 0
		if !res.Passed {
			res.Detail = tail(output)
		}

	case *models.LintCleanConfig:
		_, output, err := e.run(ctx, cfg.Command)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		count := parseLintErrors(output)
		res.Passed = count <= cfg.MaxErrors
		res.Detail = fmt.Sprintf("%d errors (max %d)", count, cfg.MaxErrors)

	case *models.CoverageConfig:
		_, output, err := e.run(ctx, cfg.Command)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		pct, ok := parseCoverage(output)
		if !ok {
			res.Error = "no coverage percentage in output"
			return res
		}
		res.Passed = pct >= cfg.Min
		res.Detail = fmt.Sprintf("%.1f%% (min %.1f%%)", pct, cfg.Min)

	case *models.CustomScriptConfig:
		command := cfg.Script
		if len(cfg.Args) > 0 {
			command += " " + strings.Join(cfg.Args, " ")
		}
		exit, output, err := e.run(ctx, command)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Passed = exit == 0
		if !res.Passed {
			res.Detail = tail(output)
		}

	default:
		res.Error = fmt.Sprintf("unsupported criterion type: %s", c.Type)
	}
	return res
}

// run executes command through the shell with the evaluator's timeout,
// returning the exit code and combined output. A non-zero exit is not an
// error here; only spawn failures are.
func (e *Evaluator) run(ctx context.Context, command string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.workdir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(output), nil
		}
		return -1, string(output), fmt.Errorf("run %q: %w", command, err)
	}
	return 0, string(output), nil
}

func (e *Evaluator) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workdir, path)
}

// lintCountPatterns are tried in order; the first match wins.
var lintCountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d+)\s+problems?`),
	regexp.MustCompile(`(\d+)\s+errors?`),
	regexp.MustCompile(`(?i)found\s+(\d+)\s+issues?`),
	regexp.MustCompile(`✖\s+(\d+)`),
}

// parseLintErrors extracts the linter's reported error count; unparseable
// output counts as clean only when empty.
func parseLintErrors(output string) int {
	for _, re := range lintCountPatterns {
		if m := re.FindStringSubmatch(output); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n
			}
		}
	}
	if strings.TrimSpace(output) == "" {
		return 0
	}
	// Unknown format with output present: count non-empty lines as findings.
	count := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// coveragePatterns are tried in order before falling back to the last
// percentage anywhere in the output.
var coveragePatterns = []*regexp.Regexp{
	regexp.MustCompile(`coverage:\s+([\d.]+)%`),
	regexp.MustCompile(`([\d.]+)%\s+of\s+statements`),
	regexp.MustCompile(`(?i)total\s+coverage:\s+([\d.]+)%`),
	regexp.MustCompile(`(?i)all\s+files\s*\|\s*([\d.]+)`),
}

var anyPercentage = regexp.MustCompile(`([\d.]+)%`)

// parseCoverage extracts a coverage percentage from tool output.
func parseCoverage(output string) (float64, bool) {
	for _, re := range coveragePatterns {
		if m := re.FindStringSubmatch(output); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, true
			}
		}
	}
	matches := anyPercentage.FindAllStringSubmatch(output, -1)
	if len(matches) > 0 {
		last := matches[len(matches)-1]
		if v, err := strconv.ParseFloat(last[1], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// tail returns a short suffix of command output for result details.
func tail(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	if len(output) > 300 {
		output = output[len(output)-300:]
	}
	return ": " + output
}
