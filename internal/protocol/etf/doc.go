// Package etf owns the external term format codec spoken with the host runtime.
//
// Ownership boundary:
// - version byte and term tags
// - bounded, fail-closed cursor decoding of untrusted input
// - event/control term encoding
package etf
