//go:build !vbldebug

package registry

// panicOnViolation is enabled by the vbldebug build tag.
const panicOnViolation = false
