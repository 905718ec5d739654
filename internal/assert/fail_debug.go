//go:build debugassert

package assert

// Enabled reports whether failed checks panic.
const Enabled = true

func fail(err error) { panic(err) }
