// Package kms drives display outputs through the kernel mode setting
// API.
//
// Every kernel object (connector, CRTC, plane) is shadowed by an object
// whose properties carry three values: the one the kernel has, the one
// that passed a test commit and the one callers asked for. A Pipeline
// groups the objects that make up one logical output, a tiled display
// being several connector/CRTC/plane triples driven together, and
// changes it by test commits followed by real ones. A failed test or
// commit rolls every property back, so an operation either takes
// effect completely or not at all.
//
// All methods must be called from one goroutine, the one that also
// calls Gpu.DispatchEvents.
package kms

import "errors"

var (
	ErrMissingRequiredProperty = errors.New("kms: missing required property")
	ErrImmutableProperty       = errors.New("kms: property is immutable")
	ErrNoModes                 = errors.New("kms: connector has no modes")
	ErrNoBuffer                = errors.New("kms: no scanout buffer")
	ErrNoWorkingCombination    = errors.New("kms: no working output configuration")
	ErrIdleTimeout             = errors.New("kms: timed out waiting for page flips")

	errCommitFailed = errors.New("kms: commit failed")
)
