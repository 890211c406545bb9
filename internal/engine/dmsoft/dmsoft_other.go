//go:build !windows

package dmsoft

import (
	"fmt"

	"github.com/seantiz/dmworker/internal/engine"
)

// Prepare checks the library directory, then fails: the COM server only
// exists on Windows.
func (e *Engine) Prepare() error {
	if _, _, err := libraryPaths(e.dir); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s requires windows", engine.ErrLoadFailure, ProgID)
}

// NewInstance always fails outside Windows.
func (e *Engine) NewInstance() (engine.Instance, error) {
	return nil, fmt.Errorf("%w: %s requires windows", engine.ErrInstanceCreation, ProgID)
}
