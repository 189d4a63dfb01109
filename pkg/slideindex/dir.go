package slideindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Dir serves indexes from a directory of JSON exports, one file per
// presentation named <presentation_id>.json. Used for local development
// and tests; production deployments load from Postgres. Loaded indexes
// are cached for the lifetime of the Dir.
type Dir struct {
	root string
	opts []MemIndexOption

	mu    sync.RWMutex
	cache map[string]*MemIndex
}

// NewDir creates a Dir rooted at root. The options are applied to every
// loaded index, so [WithEmbedder] enables the semantic signal for all of
// them.
func NewDir(root string, opts ...MemIndexOption) *Dir {
	return &Dir{
		root:  root,
		opts:  opts,
		cache: make(map[string]*MemIndex),
	}
}

// Load returns the index for presentationID, reading it from disk on
// first use.
func (d *Dir) Load(_ context.Context, presentationID string) (Index, error) {
	if presentationID == "" || strings.ContainsAny(presentationID, `/\`) || strings.Contains(presentationID, "..") {
		return nil, fmt.Errorf("slideindex: invalid presentation id %q", presentationID)
	}

	d.mu.RLock()
	ix, ok := d.cache[presentationID]
	d.mu.RUnlock()
	if ok {
		return ix, nil
	}

	ix, err := Load(filepath.Join(d.root, presentationID+".json"), d.opts...)
	if err != nil {
		return nil, err
	}
	if ix.PresentationID() != presentationID {
		return nil, fmt.Errorf("slideindex: file for %q declares presentation_id %q",
			presentationID, ix.PresentationID())
	}

	d.mu.Lock()
	d.cache[presentationID] = ix
	d.mu.Unlock()
	return ix, nil
}

// Ping reports whether the root directory is readable. Satisfies the
// readiness checker contract.
func (d *Dir) Ping(_ context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("slideindex: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("slideindex: %q is not a directory", d.root)
	}
	return nil
}
