package reconciler

import (
	"path/filepath"
	"strings"

	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// RecipeResolver validates and resolves the recipe file for a task,
// rejecting anything that would escape the configured recipes directory.
type RecipeResolver struct {
	recipesDir string
}

// NewRecipeResolver builds a resolver rooted at recipesDir.
func NewRecipeResolver(recipesDir string) *RecipeResolver {
	return &RecipeResolver{recipesDir: recipesDir}
}

// Resolve returns the absolute recipe path for task assigned to agent,
// and false if the name is invalid or would escape recipesDir.
func (r *RecipeResolver) Resolve(task types.Task, agent string) (string, bool) {
	name := agent + ".yaml"
	if task.Recipe != nil && *task.Recipe != "" {
		name = *task.Recipe
	}

	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", false
	}
	ext := filepath.Ext(name)
	if ext != ".yaml" && ext != ".yml" {
		return "", false
	}

	joined := filepath.Join(r.recipesDir, name)
	resolvedDir, err := filepath.EvalSymlinks(r.recipesDir)
	if err != nil {
		return "", false
	}

	resolvedPath := joined
	if target, err := filepath.EvalSymlinks(joined); err == nil {
		resolvedPath = target
	}
	if resolvedPath != resolvedDir && !strings.HasPrefix(resolvedPath, resolvedDir+string(filepath.Separator)) {
		return "", false
	}

	return joined, true
}
