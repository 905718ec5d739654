//go:build !debugassert

package assert

// Enabled reports whether failed checks panic.
const Enabled = false

func fail(error) {}
