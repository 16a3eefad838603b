package langsmith

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID is a time-ordered 128-bit run identifier (spec §4.1). The most
// significant 48 bits encode millisecond epoch time, the next 12 bits a
// monotonic counter that breaks ties between ids minted in the same
// millisecond, and the remaining 68 bits are random filler plus UUIDv7-style
// version/variant tags so an ID round-trips through any UUID-typed storage
// column the remote service might use.
type ID [16]byte

// idGenerator mints time-ordered IDs. A single process-wide instance backs
// NewID; tests construct their own to control the clock and counter.
type idGenerator struct {
	mu      sync.Mutex
	lastMS  int64
	counter uint16 // 12 bits used
}

var defaultGenerator = &idGenerator{}

// NewID mints a new time-ordered ID using the wall clock.
func NewID() ID {
	return defaultGenerator.next(time.Now())
}

func (g *idGenerator) next(now time.Time) ID {
	ms := now.UnixMilli()

	g.mu.Lock()
	if ms <= g.lastMS {
		// Coarse clock tie (or clock skew backwards): keep the previous
		// millisecond and bump the counter instead, same idea as the
		// dotted-order fix-pass in §4.1.
		ms = g.lastMS
		g.counter = (g.counter + 1) & 0x0FFF
		if g.counter == 0 {
			// Counter space for this millisecond is exhausted; force the
			// next millisecond forward rather than reuse counter 0.
			ms++
			g.lastMS = ms
		}
	} else {
		g.counter = 0
		g.lastMS = ms
	}
	counter := g.counter
	g.mu.Unlock()

	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms)<<16)
	id[6] = byte(counter >> 8)
	id[7] = byte(counter)

	// google/uuid's random source backs the filler bits so the bottom half
	// of the id is exactly as unguessable as a standalone uuid.New() would
	// be; crypto/rand is a direct fallback if the uuid package's global
	// reader is ever swapped for something that can fail.
	rnd, err := uuid.NewRandom()
	if err == nil {
		copy(id[8:], rnd[8:16])
	} else {
		fallback := make([]byte, 8)
		_, _ = rand.Read(fallback)
		copy(id[8:], fallback)
	}
	// Version/variant nibbles, UUIDv7-shaped so the bytes are accepted by
	// any UUID column: version in the high nibble of byte 6, RFC 4122
	// variant in the top two bits of byte 8.
	id[6] = (id[6] & 0x0F) | 0x70
	id[8] = (id[8] & 0x3F) | 0x80

	return id
}

// Time returns the millisecond-epoch timestamp encoded in id.
func (id ID) Time() time.Time {
	ms := int64(binary.BigEndian.Uint64(id[0:8])) >> 16
	return time.UnixMilli(ms)
}

// String renders the canonical 8-4-4-4-12 hex form.
func (id ID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", id[0:4], id[4:6], id[6:8], id[8:10], id[10:16])
}

// IsZero reports whether id is the zero value (absent).
func (id ID) IsZero() bool { return id == ID{} }

// ParseID parses the canonical string form produced by String, and also
// accepts a bare 32-hex-digit form for ids supplied by callers that didn't
// go through NewID.
func ParseID(s string) (ID, error) {
	clean := strings.ReplaceAll(s, "-", "")
	if len(clean) != 32 {
		return ID{}, fmt.Errorf("langsmith: invalid id %q: want 32 hex digits", s)
	}
	var id ID
	for i := 0; i < 16; i++ {
		var b byte
		if _, err := fmt.Sscanf(clean[i*2:i*2+2], "%02x", &b); err != nil {
			return ID{}, fmt.Errorf("langsmith: invalid id %q: %w", s, err)
		}
		id[i] = b
	}
	return id, nil
}

// IsTimeOrdered reports whether id looks like it was minted by NewID (or an
// equivalent time-ordered generator): its timestamp falls within a sane
// window around now. Externally supplied ids that fail this check are
// still accepted (spec §4.1: "accepts externally supplied ids but warns"),
// but downstream lexical ordering of dotted-order segments derived from
// them is not guaranteed.
func (id ID) IsTimeOrdered(now time.Time) bool {
	t := id.Time()
	const slack = 24 * time.Hour
	return !t.Before(now.Add(-slack)) && !t.After(now.Add(slack))
}

// IsUUIDLike reports whether s parses as a standard UUID (any version),
// the shape externally supplied ids are expected to take even when they
// aren't time-ordered per IsTimeOrdered.
func IsUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// replicaIDNamespace seeds the deterministic replica-id derivation below;
// fixed and arbitrary, chosen once so the mapping is stable across process
// restarts.
var replicaIDNamespace = uuid.MustParse("8f14e45f-ceea-467e-9c58-e1b76c5f7c45")

// deriveReplicaID deterministically derives a replica-local id from an
// original run id and a replica key (spec §3 Replica, S8 "disjoint ids
// across replicas (new ids minted per replica)"). The derivation is a
// namespaced SHA-1 hash (RFC 4122 §4.3, the same construction
// uuid.NewSHA1 implements for UUIDv5): calling it twice with the same
// inputs — once when a run posts itself, once when a differently-owned
// descendant recomputes its parent's replica id from the parent's
// original id — agrees without any cross-run coordination.
func deriveReplicaID(original ID, replicaKey string) ID {
	if original.IsZero() {
		return original
	}
	name := append(append([]byte(nil), original[:]...), []byte("|"+replicaKey)...)
	u := uuid.NewSHA1(replicaIDNamespace, name)
	var id ID
	copy(id[:], u[:])
	return id
}
