// Package validate establishes trust in untrusted uploaded images.
//
// The Validator runs a fixed sequence of hard gates against a staged
// candidate file: a byte-pattern scan of the file head, size and extension
// policy, a header-only dimension parse, a decompression-bomb ratio check
// computed before any full decode, cross-validation of the container
// metadata MIME against a content sniffer, extension coherence, animation
// detection by container chunk walking, a time-budgeted full decode, and an
// optional normalization pass that re-encodes the image and re-checks the
// result before atomically replacing the candidate.
//
// Every failure is a typed *Rejection with a stable reason, never a generic
// error.
package validate
