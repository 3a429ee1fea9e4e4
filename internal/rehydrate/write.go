package rehydrate

import (
	"fmt"
	"os"

	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
)

// Write persists the package and trace as rehydrated/latest.md and
// rehydrated/traces/latest-trace.json.
func Write(l layout.Layout, pkg *Package, tr *Trace) error {
	if err := fslock.WriteFile(l.RehydratedLatest(), []byte(pkg.Markdown), 0o644); err != nil {
		return fmt.Errorf("failed to write package: %w", err)
	}
	if err := fslock.WriteJSON(l.TraceLatest(), tr); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return nil
}

// LoadLatest reads the last written package markdown and trace.
func LoadLatest(l layout.Layout) (string, *Trace, bool, error) {
	md, err := os.ReadFile(l.RehydratedLatest())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}
	var tr Trace
	found, err := fslock.ReadJSON(l.TraceLatest(), &tr)
	if err != nil || !found {
		return string(md), nil, found, err
	}
	return string(md), &tr, true, nil
}
