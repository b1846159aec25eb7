// Package quarantine stages untrusted uploads in an isolated, write-once
// location before scanning or decoding touches them.
package quarantine
