// Package assert reports programming errors. Built with the debugassert tag
// a failed check panics; otherwise the caller gets the error back.
package assert

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a violated internal invariant.
var ErrInvariant = errors.New("invariant violated")

// That returns nil when cond holds. Otherwise it builds an error wrapping
// ErrInvariant and hands it to fail.
func That(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	err := fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
	fail(err)
	return err
}
