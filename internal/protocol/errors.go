// Package protocol wires the onion, sharing, noise, shuffle, state, batch,
// transport, and config packages together into the three concrete roles a
// DP-PIR deployment runs: Client (party 0's caller), Party (a relay: any
// party before the backend, party 0 included), and BackendParty (the last
// party, which owns the database).
package protocol

import "fmt"

// InvariantError reports a violated protocol invariant: a malformed
// deployment topology, a duplicate or missing tag, a shuffled slice-size
// mismatch, or a response that failed its reconstruction check. These are
// never recoverable mid-run.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return fmt.Sprintf("protocol: %s", e.Msg) }

func invariant(format string, args ...interface{}) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// Role is implemented by every protocol participant so a single dispatcher
// (cmd/dppir) can drive any of them through the same offline/online
// sequencing without a runtime-polymorphic base class on the hot path.
type Role interface {
	Start(offline, online bool) error
}
