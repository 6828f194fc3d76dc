// Package drm opens DRM (Direct Rendering Manager) device nodes and
// negotiates driver and client capabilities.
//
// The mode package binds the KMS (Kernel Mode Setting) ioctls on top of
// an opened card, and the kms package drives outputs through them: it
// keeps a shadow of the kernel's connectors, CRTCs and planes and commits
// changes transactionally with atomic test-then-commit, or through the
// legacy SetCrtc/PageFlip path on drivers without atomic support.
package drm
