/*
Package classifier maps an absolute filesystem path to the monitored
category whose glob list matches it first.

Categories are evaluated in the order the configuration document lists
them under monitoring.*, and within a category the globs are matched in
list order; the first match anywhere wins. A path matching no
category's globs is not monitored.

Matching uses path/filepath, which already implements the shell-style
glob semantics the configuration format promises; an external matcher
would add a dependency with no behavioral gain.
*/
package classifier

import (
	"path/filepath"
	"sync"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/log"
)

var logger = log.WithComponent("classifier")

// categoryGlobs is one category's ordered glob list.
type categoryGlobs struct {
	category string
	globs    []string
}

// Classifier holds the compiled (ordered) category -> glob mapping and
// supports in-place reload when the configuration document changes.
type Classifier struct {
	mu         sync.RWMutex
	categories []categoryGlobs
}

// New builds a Classifier from the monitoring section of the
// configuration document: a map from category name to an ordered list
// of glob patterns. The order categories are supplied in is preserved
// for evaluation order.
func New(order []string, monitoring map[string][]string) *Classifier {
	c := &Classifier{}
	c.Reload(order, monitoring)
	return c
}

// Reload replaces the compiled category list, re-evaluating Classify
// results on the next call without requiring a restart.
func (c *Classifier) Reload(order []string, monitoring map[string][]string) {
	categories := make([]categoryGlobs, 0, len(order))
	for _, name := range order {
		globs := monitoring[name]
		if len(globs) == 0 {
			continue
		}
		categories = append(categories, categoryGlobs{category: name, globs: globs})
	}

	c.mu.Lock()
	c.categories = categories
	c.mu.Unlock()

	logger.Debug().Int("categories", len(categories)).Msg("classifier reloaded")
}

// Classify returns the category an absolute path belongs to and true,
// or ("", false) if no category's globs match it.
func (c *Classifier) Classify(absPath string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, cat := range c.categories {
		for _, glob := range cat.globs {
			matched, err := filepath.Match(glob, absPath)
			if err != nil {
				continue
			}
			if matched {
				return cat.category, true
			}
		}
	}
	return "", false
}

// Globs returns the flattened, de-duplicated set of every glob pattern
// across every category, in evaluation order. The watcher uses this to
// decide which parent directories need an fsnotify watch installed.
func (c *Classifier) Globs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	var all []string
	for _, cat := range c.categories {
		for _, glob := range cat.globs {
			if seen[glob] {
				continue
			}
			seen[glob] = true
			all = append(all, glob)
		}
	}
	return all
}

// Categories returns the category names in evaluation order.
func (c *Classifier) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.categories))
	for i, cat := range c.categories {
		names[i] = cat.category
	}
	return names
}
