package criteria

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/pkg/models"
)

func TestEvaluate_PromiseCriterion(t *testing.T) {
	e := NewEvaluator(t.TempDir(), time.Minute)
	criteria := []models.Criterion{{
		Name: "done-marker", Type: models.CriterionPromise,
		Config: &models.PromiseConfig{Text: "ALL TESTS GREEN"},
	}}

	out := e.Evaluate(context.Background(), criteria, models.ModeAll, 0, Input{Promise: "ALL TESTS GREEN"})
	assert.True(t, out.IsComplete)
	assert.Equal(t, 1.0, out.Score)

	out = e.Evaluate(context.Background(), criteria, models.ModeAll, 0, Input{Promise: "almost done"})
	assert.False(t, out.IsComplete)
	assert.Zero(t, out.Score)

	out = e.Evaluate(context.Background(), criteria, models.ModeAll, 0, Input{})
	assert.False(t, out.IsComplete)
}

func TestEvaluate_CommandExitCode(t *testing.T) {
	e := NewEvaluator(t.TempDir(), time.Minute)

	out := e.Evaluate(context.Background(), []models.Criterion{{
		Name: "true", Type: models.CriterionCommand,
		Config: &models.CommandConfig{Command: "true"},
	}}, models.ModeAll, 0, Input{})
	assert.True(t, out.IsComplete)

	out = e.Evaluate(context.Background(), []models.Criterion{{
		Name: "exit-3", Type: models.CriterionCommand,
		Config: &models.CommandConfig{Command: "exit 3", ExpectedExit: 3},
	}}, models.ModeAll, 0, Input{})
	assert.True(t, out.IsComplete, "expected exit code matches")

	out = e.Evaluate(context.Background(), []models.Criterion{{
		Name: "false", Type: models.CriterionCommand,
		Config: &models.CommandConfig{Command: "false"},
	}}, models.ModeAll, 0, Input{})
	assert.False(t, out.IsComplete)
}

func TestEvaluate_FileCriteria(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("# readme\n\n## Installation\nrun make install"), 0o644))
	e := NewEvaluator(dir, time.Minute)

	out := e.Evaluate(context.Background(), []models.Criterion{
		{Name: "exists", Type: models.CriterionFileExists, Config: &models.FileExistsConfig{Path: "readme.md"}},
		{Name: "contains", Type: models.CriterionFileContains, Config: &models.FileContainsConfig{Path: "readme.md", Pattern: "Installation"}},
		{Name: "regex", Type: models.CriterionFileContains, Config: &models.FileContainsConfig{Path: "readme.md", Pattern: `(?im)^## install`, Regex: true}},
	}, models.ModeAll, 0, Input{})
	assert.True(t, out.IsComplete)
	for _, r := range out.Results {
		assert.True(t, r.Passed, r.Name)
	}

	// An anchored pattern without (?m) misses a heading below the first line.
	out = e.Evaluate(context.Background(), []models.Criterion{
		{Name: "anchored", Type: models.CriterionFileContains, Config: &models.FileContainsConfig{Path: "readme.md", Pattern: `(?i)^## install`, Regex: true}},
	}, models.ModeAll, 0, Input{})
	assert.False(t, out.IsComplete)

	out = e.Evaluate(context.Background(), []models.Criterion{
		{Name: "missing", Type: models.CriterionFileExists, Config: &models.FileExistsConfig{Path: "nope.txt"}},
	}, models.ModeAll, 0, Input{})
	assert.False(t, out.IsComplete)
}

func TestEvaluate_ScoringModes(t *testing.T) {
	e := NewEvaluator(t.TempDir(), time.Minute)
	pass := models.Criterion{Name: "pass", Type: models.CriterionCommand, Config: &models.CommandConfig{Command: "true"}}
	fail := models.Criterion{Name: "fail", Type: models.CriterionCommand, Config: &models.CommandConfig{Command: "false"}}

	// all: one failure blocks completion.
	out := e.Evaluate(context.Background(), []models.Criterion{pass, fail}, models.ModeAll, 0, Input{})
	assert.False(t, out.IsComplete)
	assert.Zero(t, out.Score)

	// any: one pass suffices.
	out = e.Evaluate(context.Background(), []models.Criterion{pass, fail}, models.ModeAny, 0, Input{})
	assert.True(t, out.IsComplete)
	assert.Equal(t, 1.0, out.Score)

	// weighted: score is the passed weight fraction against the threshold.
	weightedPass := pass
	weightedPass.Weight = 3
	weightedFail := fail
	weightedFail.Weight = 1
	out = e.Evaluate(context.Background(), []models.Criterion{weightedPass, weightedFail}, models.ModeWeighted, 0.7, Input{})
	assert.True(t, out.IsComplete)
	assert.InDelta(t, 0.75, out.Score, 0.001)

	out = e.Evaluate(context.Background(), []models.Criterion{weightedPass, weightedFail}, models.ModeWeighted, 0.8, Input{})
	assert.False(t, out.IsComplete)
}

func TestEvaluate_RequiredGatesCompletion(t *testing.T) {
	e := NewEvaluator(t.TempDir(), time.Minute)
	out := e.Evaluate(context.Background(), []models.Criterion{
		{Name: "pass", Type: models.CriterionCommand, Config: &models.CommandConfig{Command: "true"}},
		{Name: "must", Type: models.CriterionCommand, Required: true, Config: &models.CommandConfig{Command: "false"}},
	}, models.ModeAny, 0, Input{})
	// any-mode score condition holds, but the required criterion failed.
	assert.Equal(t, 1.0, out.Score)
	assert.False(t, out.IsComplete)
}

func TestEvaluate_NoCriteriaIsNeverComplete(t *testing.T) {
	e := NewEvaluator(t.TempDir(), time.Minute)
	out := e.Evaluate(context.Background(), nil, models.ModeAll, 0, Input{})
	assert.False(t, out.IsComplete)
	assert.Empty(t, out.Results)
}

func TestParseLintErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   int
	}{
		{"eslint problems", "✗ 12 problems (10 errors, 2 warnings)", 12},
		{"plain errors", "found issues:\n3 errors\n", 3},
		{"found issues", "Found 7 issues in 4 files", 7},
		{"cross mark", "✖ 4 problems", 4},
		{"clean empty", "", 0},
		{"clean whitespace", "  \n \n", 0},
		{"unknown format counts lines", "main.go:3: unused var\nutil.go:9: shadowed\n", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseLintErrors(tc.output))
		})
	}
}

func TestParseCoverage(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   float64
		ok     bool
	}{
		{"go test", "ok  \tpkg/foo\t0.2s\tcoverage: 81.5% of statements", 81.5, true},
		{"statements form", "81.5% of statements", 81.5, true},
		{"jest all files", "All files | 92.31 | 88 | 90 |", 92.31, true},
		{"fallback last percentage", "lines: 70%, branches: 65%", 65, true},
		{"nothing", "no numbers here", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseCoverage(tc.output)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.want, got, 0.001)
			}
		})
	}
}
