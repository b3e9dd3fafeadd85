// Package protocol owns the XTST wire contract.
//
// Ownership boundary:
// - banner and version strings
// - command parsing
// - status frame wording and terminators
//
// Framing primitives live in protocol/frame.
package protocol
