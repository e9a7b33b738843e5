//go:build vbldebug

package registry

const panicOnViolation = true
