package langsmith

import "errors"

// ErrConflictingDestinations is returned by NewClient when two replicas (or
// a replica and the primary client) resolve to the same endpoint+project
// pair, which would otherwise silently double-count runs (spec §6).
var ErrConflictingDestinations = errors.New("langsmith: replicas resolve to conflicting destinations")

// ErrCancelled is recorded verbatim as a run's error (spec §4.7 item 2,
// §5, §7: "Consumer cancellation... Captured as \"Cancelled\"") when a
// streaming consumer abandons iteration before the underlying sequence is
// exhausted. Deliberately has no "langsmith:" prefix: the wire value must
// read exactly "Cancelled".
var ErrCancelled = errors.New("Cancelled")
