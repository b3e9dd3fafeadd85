// Package server accepts protocol connections and runs the per-connection
// command state machine:
//
//	Greeting -> AwaitCommand -> {Validating, Reloading, Listing} -> Closed
//
// Every connection carries exactly one command. The banner is always the
// first frame; reload and list-handlers end with the ResponseEnd frame.
package server
