package langsmith

import "github.com/langchain-ai/langsmith-sdk-go/internal/log"

// warnExternalID, debugDoubleEnd and warnBadDottedOrder centralize the
// diagnostic strings emitted by Run so the messages live next to the
// package's other log call sites rather than scattered across run.go.

func warnExternalID(id ID) {
	log.Warn("langsmith: run id %s was not minted by NewID and is not time-ordered; "+
		"dotted-order lexical sort may not match chronological order", id)
}

func warnBadDottedOrder(d DottedOrder, err error) {
	log.Warn("langsmith: parent dotted-order %q is malformed (%v); starting a new trace instead of a child", d, err)
}

func debugDoubleEnd(id ID) {
	log.Debug("langsmith: run %s already ended; ignoring duplicate End call", id)
}
