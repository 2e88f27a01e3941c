//go:build linux && !cgo

package main

// applySeccomp is a no-op in builds without cgo, where libseccomp is not
// available. Namespaces and rlimits still apply.
func applySeccomp(bool) error {
	return nil
}
