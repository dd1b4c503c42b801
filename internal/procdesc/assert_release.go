//go:build !procdebug

package procdesc

// lifecycleViolation reports a double reap or double close as an error.
// Build with -tags procdebug to turn these into panics.
func lifecycleViolation(err error) error {
	return err
}
