package langsmith

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/langchain-ai/langsmith-sdk-go/internal/log"
)

// Header names used for cross-process trace propagation (spec §4.9).
const (
	HeaderTrace   = "langsmith-trace"
	HeaderBaggage = "baggage"
)

// Baggage carries the metadata a downstream process needs to attach
// correctly-scoped children to an upstream trace: project, tags, and
// free-form metadata, plus the replica set so fan-out survives a process
// boundary (spec §4.9).
type Baggage struct {
	Project  string
	Tags     []string
	Metadata map[string]string
	Replicas []Replica
}

// Headers is the wire representation of a propagated run: the dotted
// trace header plus an encoded baggage header.
type Headers map[string]string

// ToHeaders renders dotted and baggage as the pair of headers a caller
// attaches to an outbound request (spec §4.9 "toHeaders").
func ToHeaders(dotted DottedOrder, baggage Baggage) Headers {
	h := Headers{HeaderTrace: string(dotted)}
	if enc := encodeBaggage(baggage); enc != "" {
		h[HeaderBaggage] = enc
	}
	return h
}

// FromHeaders recovers the dotted-order and baggage a producer encoded
// via ToHeaders (spec §4.9 "fromHeaders"). A missing trace header is not
// an error: it means there is no upstream trace to attach to.
func FromHeaders(h Headers) (dotted DottedOrder, baggage Baggage, ok bool) {
	trace, present := h[HeaderTrace]
	if !present || trace == "" {
		return "", Baggage{}, false
	}
	dotted = DottedOrder(trace)
	if raw, present := h[HeaderBaggage]; present {
		baggage = decodeBaggage(raw)
	}
	return dotted, baggage, true
}

// syntheticParent builds a read-only parent Run from an inbound trace
// header's decomposed segments (spec §4.1 "Header parse", §4.9 "fromHeaders
// ... constructs a synthetic parent run with the ids, start times, and
// trace id those segments imply"). The returned run has never been posted
// to a dispatcher; it exists only so the local process's first traceable
// call can extend its dotted-order as a real child.
func syntheticParent(dotted DottedOrder, baggage Baggage, client *Client) (*Run, error) {
	segs, err := dotted.Segments()
	if err != nil {
		return nil, fmt.Errorf("langsmith: parsing inbound trace header: %w", err)
	}
	last := segs[len(segs)-1]
	extra := map[string]any{}
	if len(baggage.Metadata) > 0 {
		md := make(map[string]any, len(baggage.Metadata))
		for k, v := range baggage.Metadata {
			md[k] = v
		}
		extra["metadata"] = md
	}
	r := &Run{
		id:                  last.id,
		traceID:             segs[0].id,
		dottedOrder:         dotted,
		startTime:           time.UnixMilli(last.ms).UTC(),
		projectName:         baggage.Project,
		tags:                append([]string(nil), baggage.Tags...),
		replicas:            append([]Replica(nil), baggage.Replicas...),
		extra:               extra,
		attachments:         map[string]Attachment{},
		client:              client,
		childExecutionOrder: last.order,
		executionOrder:      last.order,
	}
	if len(segs) > 1 {
		r.hasParent = true
		r.parentRunID = segs[len(segs)-2].id
	}
	return r, nil
}

// ContextWithIncomingTrace parses h for a trace header and, if present,
// installs the synthetic parent run it implies as the active run in the
// returned context, so the next Traceable* call on the consumer side
// becomes its child (spec §4.9 inbound handling, S6). A missing header is
// not an error: ctx is returned unchanged, and the next traced call starts
// a fresh root. A malformed header is a "Propagation failure" (spec §7):
// it is logged at debug and the call proceeds as a root rather than
// failing the request.
func ContextWithIncomingTrace(ctx context.Context, h Headers, client *Client) context.Context {
	dotted, baggage, ok := FromHeaders(h)
	if !ok {
		return ctx
	}
	parent, err := syntheticParent(dotted, baggage, client)
	if err != nil {
		log.Debug("langsmith: malformed inbound trace header %q, proceeding as root: %v", dotted, err)
		return ctx
	}
	return ContextWithRun(ctx, parent)
}

// encodeBaggage renders b as a comma-separated list of URL-encoded
// key=value pairs, matching the W3C baggage header shape: "project=...,
// tags=a|b|c, md.<key>=<value>, replica.<n>.<field>=<value>".
func encodeBaggage(b Baggage) string {
	var parts []string
	if b.Project != "" {
		parts = append(parts, "project="+url.QueryEscape(b.Project))
	}
	if len(b.Tags) > 0 {
		parts = append(parts, "tags="+url.QueryEscape(strings.Join(b.Tags, "|")))
	}
	mdKeys := make([]string, 0, len(b.Metadata))
	for k := range b.Metadata {
		mdKeys = append(mdKeys, k)
	}
	sort.Strings(mdKeys)
	for _, k := range mdKeys {
		parts = append(parts, "md."+url.QueryEscape(k)+"="+url.QueryEscape(b.Metadata[k]))
	}
	for i, r := range b.Replicas {
		prefix := fmt.Sprintf("replica.%d.", i)
		if r.Endpoint != "" {
			parts = append(parts, prefix+"endpoint="+url.QueryEscape(r.Endpoint))
		}
		if r.Project != "" {
			parts = append(parts, prefix+"project="+url.QueryEscape(r.Project))
		}
	}
	return strings.Join(parts, ",")
}

// decodeBaggage reverses encodeBaggage. Malformed entries are skipped
// rather than failing the whole decode, since a propagation header
// corrupted by an intermediate proxy should degrade to "no baggage", not
// break the whole request (spec §4.9 error-handling policy).
func decodeBaggage(raw string) Baggage {
	var b Baggage
	replicaFields := map[int]map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			continue
		}
		val, err := url.QueryUnescape(kv[1])
		if err != nil {
			continue
		}
		switch {
		case key == "project":
			b.Project = val
		case key == "tags":
			if val != "" {
				b.Tags = strings.Split(val, "|")
			}
		case strings.HasPrefix(key, "md."):
			if b.Metadata == nil {
				b.Metadata = map[string]string{}
			}
			b.Metadata[strings.TrimPrefix(key, "md.")] = val
		case strings.HasPrefix(key, "replica."):
			rest := strings.TrimPrefix(key, "replica.")
			dot := strings.IndexByte(rest, '.')
			if dot < 0 {
				continue
			}
			var idx int
			if _, err := fmt.Sscanf(rest[:dot], "%d", &idx); err != nil {
				continue
			}
			field := rest[dot+1:]
			if replicaFields[idx] == nil {
				replicaFields[idx] = map[string]string{}
			}
			replicaFields[idx][field] = val
		}
	}
	if len(replicaFields) > 0 {
		maxIdx := -1
		for idx := range replicaFields {
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		b.Replicas = make([]Replica, maxIdx+1)
		for idx, fields := range replicaFields {
			b.Replicas[idx] = Replica{Endpoint: fields["endpoint"], Project: fields["project"]}
		}
	}
	return b
}
