// Package pipeline normalizes validated images into canonical,
// content-addressed artifacts and re-compresses stored artifacts after
// attachment.
//
// Decoding runs through an injected DecodeBackend: libvips as the primary
// for its format and color-space coverage, with a pure-Go fallback used
// when the primary fails with a recoverable error kind. Recoverability is a
// property of the typed DecodeError, never of error message text.
package pipeline
