package langsmith

import (
	"fmt"
	"sync"
	"time"
)

// RunType is the open set of run categories named in spec §3. Unknown
// values are accepted; the constants below are just the well-known ones.
type RunType string

const (
	RunTypeChain     RunType = "chain"
	RunTypeLLM       RunType = "llm"
	RunTypeTool      RunType = "tool"
	RunTypeRetriever RunType = "retriever"
	RunTypePrompt    RunType = "prompt"
	RunTypeParser    RunType = "parser"
	RunTypeEmbedding RunType = "embedding"
)

// Status is derived, never stored directly: pending until end_time is set,
// then success or error depending on whether Error is non-empty (spec §3).
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event is one entry of a run's append-only Events sequence (spec §3),
// used to record streaming tokens and milestones.
type Event struct {
	Name   string         `json:"name"`
	Time   time.Time      `json:"time"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Attachment is a binary payload carried alongside a run on the wire,
// keyed by name in Run.Attachments.
type Attachment struct {
	MimeType string
	Data     []byte
}

// Replica is an additional fan-out destination a run (and its whole
// subtree) should be mirrored to (spec §3, §4.2 postRun, §4.5 Send,
// Glossary "Replica").
type Replica struct {
	Endpoint    string // empty => same endpoint as the primary client
	APIKey      string // empty => same api key as the primary client
	WorkspaceID string
	Project     string
	// ReferenceExampleID overrides Run.ReferenceExampleID for this replica
	// only; S8 relies on this to give exactly one replica the eval link.
	ReferenceExampleID string
	hasReferenceExample bool
}

// WithReferenceExample sets the per-replica reference example override and
// records that it was explicitly set (vs. the zero value meaning "inherit
// nothing"), matching S8's "only P1's root carries reference_example_id".
func (r Replica) WithReferenceExample(id string) Replica {
	r.ReferenceExampleID = id
	r.hasReferenceExample = true
	return r
}

// Run is the in-memory node of the run tree (spec §3, §4.2). All mutating
// methods are safe for concurrent use by the run's owner and by the
// dispatcher; per spec's ownership rule, other goroutines must treat a Run
// they did not create as read-only except through AddEvent/End.
type Run struct {
	mu sync.RWMutex

	id                ID
	traceID           ID
	parentRunID       ID
	hasParent         bool
	dottedOrder       DottedOrder
	name              string
	runType           RunType
	startTime         time.Time
	endTime           time.Time
	hasEnded          bool
	inputs            map[string]any
	outputs           map[string]any
	errMsg            string
	extra             map[string]any
	events            []Event
	tags              []string
	attachments       map[string]Attachment
	referenceExampleID string
	projectName       string
	sessionName       string
	replicas          []Replica

	client               *Client
	childExecutionOrder  int
	executionOrder       int
	parent               *Run
	deferInputsUntilEnd  bool
}

// RunConfig carries the construction-time fields of a new run (spec §4.2
// new/createChild). Zero values mean "use the default" as documented per
// field.
type RunConfig struct {
	ID                 ID // zero => minted
	Name               string
	RunType            RunType
	StartTime          time.Time // zero => now
	Inputs             map[string]any
	Extra              map[string]any
	Tags               []string
	ReferenceExampleID string
	ProjectName        string
	SessionName        string
	Replicas           []Replica
	Client             *Client
}

// NewRootRun creates a root run: trace_id == id, a single dotted-order
// segment, execution_order 1 (spec §4.2 "new").
func NewRootRun(cfg RunConfig) *Run {
	id := cfg.ID
	if id.IsZero() {
		id = NewID()
	} else if !id.IsTimeOrdered(time.Now()) {
		warnExternalID(id)
	}
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	r := &Run{
		id:                  id,
		traceID:             id,
		name:                cfg.Name,
		runType:             cfg.RunType,
		startTime:           start,
		inputs:              copyMap(cfg.Inputs),
		extra:               copyMap(cfg.Extra),
		tags:                append([]string(nil), cfg.Tags...),
		attachments:         map[string]Attachment{},
		referenceExampleID:  cfg.ReferenceExampleID,
		projectName:         cfg.ProjectName,
		sessionName:         cfg.SessionName,
		replicas:            append([]Replica(nil), cfg.Replicas...),
		client:              cfg.Client,
		childExecutionOrder: 1,
		executionOrder:      1,
	}
	r.dottedOrder = joinSegments(nil, segment{ms: start.UnixMilli(), order: 0, id: id})
	return r
}

// CreateChild returns a new child run of r (spec §4.2). project_name,
// replicas, and client are propagated by default; the child's
// dotted-order strictly extends r's, fixed up for clock ties.
func (r *Run) CreateChild(cfg RunConfig) *Run {
	r.mu.Lock()
	r.childExecutionOrder++
	childOrder := r.childExecutionOrder
	parentDotted := r.dottedOrder
	parentProject := r.projectName
	parentSession := r.sessionName
	parentReplicas := r.replicas
	parentClient := r.client
	parentTraceID := r.traceID
	r.mu.Unlock()

	id := cfg.ID
	if id.IsZero() {
		id = NewID()
	} else if !id.IsTimeOrdered(time.Now()) {
		warnExternalID(id)
	}
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	project := cfg.ProjectName
	if project == "" {
		project = parentProject
	}
	session := cfg.SessionName
	if session == "" {
		session = parentSession
	}
	replicas := cfg.Replicas
	if replicas == nil {
		replicas = parentReplicas
	}
	client := cfg.Client
	if client == nil {
		client = parentClient
	}

	child := &Run{
		id:                  id,
		traceID:             parentTraceID,
		parentRunID:         r.id,
		hasParent:           true,
		name:                cfg.Name,
		runType:             cfg.RunType,
		startTime:           start,
		inputs:              copyMap(cfg.Inputs),
		extra:               copyMap(cfg.Extra),
		tags:                append([]string(nil), cfg.Tags...),
		attachments:         map[string]Attachment{},
		referenceExampleID:  cfg.ReferenceExampleID,
		projectName:         project,
		sessionName:         session,
		replicas:            append([]Replica(nil), replicas...),
		client:              client,
		parent:              r,
		childExecutionOrder: childOrder,
		executionOrder:      childOrder,
	}
	self := segment{ms: start.UnixMilli(), order: childOrder, id: id}
	parentSegs, err := parentDotted.Segments()
	if err != nil {
		// Should not happen for dotted-orders this package produced; fall
		// back to treating the child as a root rather than panicking.
		warnBadDottedOrder(parentDotted, err)
		child.dottedOrder = joinSegments(nil, self)
		return child
	}
	dotted := joinSegments(parentSegs, self)
	fixed, err := fixDottedOrder(dotted)
	if err != nil {
		fixed = dotted
	}
	child.dottedOrder = fixed

	// Raise every ancestor's child_execution_order to at least this
	// child's, preserving global breadth-first ordering when siblings
	// complete out of order (spec §4.2). Cycle guard via visited set.
	visited := map[ID]bool{r.id: true}
	anc := r.parent
	for anc != nil && !visited[anc.id] {
		visited[anc.id] = true
		anc.mu.Lock()
		if anc.childExecutionOrder < childOrder {
			anc.childExecutionOrder = childOrder
		}
		anc.mu.Unlock()
		anc = anc.parent
	}
	return child
}

// ID returns the run's identifier.
func (r *Run) ID() ID { r.mu.RLock(); defer r.mu.RUnlock(); return r.id }

// TraceID returns the id of the root run of the tree.
func (r *Run) TraceID() ID { r.mu.RLock(); defer r.mu.RUnlock(); return r.traceID }

// ParentRunID returns the parent's id and whether r has a parent.
func (r *Run) ParentRunID() (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parentRunID, r.hasParent
}

// DottedOrder returns the run's position-encoding string.
func (r *Run) DottedOrder() DottedOrder { r.mu.RLock(); defer r.mu.RUnlock(); return r.dottedOrder }

// Name returns the run's human label.
func (r *Run) Name() string { r.mu.RLock(); defer r.mu.RUnlock(); return r.name }

// Status derives the run's status per spec §3: pending until ended, then
// success or error depending on whether an error was recorded.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasEnded {
		return StatusPending
	}
	if r.errMsg != "" {
		return StatusError
	}
	return StatusSuccess
}

// End settles the run (spec §4.2 "end"): at-most-once effective, a second
// call is a no-op on already-set fields (first-writer-wins, per the Open
// Question in spec §9, with a debug log on the duplicate).
func (r *Run) End(outputs map[string]any, err error, endTime time.Time) {
	r.mu.Lock()
	if r.hasEnded {
		r.mu.Unlock()
		debugDoubleEnd(r.id)
		return
	}
	if endTime.IsZero() {
		endTime = time.Now()
	}
	r.endTime = endTime
	if err != nil {
		r.errMsg = err.Error()
	}
	if outputs != nil {
		r.outputs = copyMap(outputs)
	}
	r.hasEnded = true
	r.mu.Unlock()
}

// AddEvent appends an event to the run's event log (spec §4.2 "addEvent"):
// append-only, used for streaming tokens and milestones.
func (r *Run) AddEvent(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// AddAttachment registers a binary attachment on the run.
func (r *Run) AddAttachment(name string, mimeType string, data []byte) {
	r.mu.Lock()
	if r.attachments == nil {
		r.attachments = map[string]Attachment{}
	}
	r.attachments[name] = Attachment{MimeType: mimeType, Data: data}
	r.mu.Unlock()
}

// SetExtra sets a top-level key of the run's extra map, e.g. "environment"
// (spec §3 "extra: mapping holding {metadata, runtime, …}").
func (r *Run) SetExtra(key string, value any) {
	r.mu.Lock()
	if r.extra == nil {
		r.extra = map[string]any{}
	}
	r.extra[key] = value
	r.mu.Unlock()
}

// SetMetadata merges key into the run's extra.metadata sub-map, the bucket
// spec §3 reserves specifically for "metadata.usage_metadata carries token
// counts when known" (spec §4.7 "Usage-metadata extraction").
func (r *Run) SetMetadata(key string, value any) {
	r.mu.Lock()
	if r.extra == nil {
		r.extra = map[string]any{}
	}
	md, _ := r.extra["metadata"].(map[string]any)
	if md == nil {
		md = map[string]any{}
	}
	md[key] = value
	r.extra["metadata"] = md
	r.mu.Unlock()
}

// snapshot produces an immutable copy of the run's fields for dispatch,
// decoupled from further mutation.
func (r *Run) snapshot() runSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return runSnapshot{
		ID:                 r.id,
		TraceID:            r.traceID,
		ParentRunID:        r.parentRunID,
		HasParent:          r.hasParent,
		DottedOrder:        r.dottedOrder,
		Name:               r.name,
		RunType:            r.runType,
		StartTime:          r.startTime,
		EndTime:            r.endTime,
		HasEnded:           r.hasEnded,
		Inputs:             copyMap(r.inputs),
		Outputs:            copyMap(r.outputs),
		Error:              r.errMsg,
		Extra:              copyMap(r.extra),
		Events:             append([]Event(nil), r.events...),
		Tags:               append([]string(nil), r.tags...),
		Attachments:        copyAttachments(r.attachments),
		ReferenceExampleID: r.referenceExampleID,
		ProjectName:        r.projectName,
		SessionName:        r.sessionName,
	}
}

// PostRun hands a create operation to the dispatcher for r and, if
// replicas are populated, for each replica with the project override
// applied (spec §4.2 "postRun").
func (r *Run) PostRun() {
	r.mu.RLock()
	client := r.client
	replicas := append([]Replica(nil), r.replicas...)
	r.mu.RUnlock()
	if client == nil {
		return
	}
	snap := r.snapshot()
	if len(replicas) == 0 {
		client.dispatcher.enqueue(Operation{Kind: OpCreate, Run: snap})
		return
	}
	for i, rep := range replicas {
		s := replicaSnapshot(snap, i)
		if rep.Project != "" {
			s.ProjectName = rep.Project
		}
		if rep.hasReferenceExample {
			s.ReferenceExampleID = rep.ReferenceExampleID
		} else {
			s.ReferenceExampleID = ""
		}
		client.dispatcher.enqueue(Operation{
			Kind:        OpCreate,
			Run:         s,
			Endpoint:    rep.Endpoint,
			APIKey:      rep.APIKey,
			WorkspaceID: rep.WorkspaceID,
		})
	}
}

// replicaSnapshot rewrites snap's id, trace id, parent id, and dotted-order
// with ids deterministically derived for the i-th replica destination, so
// every run in a trace gets a fresh but internally-consistent id per
// replica (spec §3 Replica; S8 "disjoint ids across replicas, new ids
// minted per replica"). The derivation is pure: a child run computing its
// own replica-i id, and a sibling independently recomputing that same
// parent's replica-i id from the parent's original id, always agree.
func replicaSnapshot(snap runSnapshot, replicaIndex int) runSnapshot {
	key := fmt.Sprintf("replica-%d", replicaIndex)
	s := snap
	s.ID = deriveReplicaID(snap.ID, key)
	s.TraceID = deriveReplicaID(snap.TraceID, key)
	if s.HasParent {
		s.ParentRunID = deriveReplicaID(snap.ParentRunID, key)
	}
	s.DottedOrder = snap.DottedOrder.remapIDs(func(id ID) ID { return deriveReplicaID(id, key) })
	return s
}

// PatchRun hands an update operation to the dispatcher (spec §4.2
// "patchRun"). excludeInputs omits inputs so an earlier create remains
// authoritative, preventing races in batched merge (spec §4.5 Batching).
func (r *Run) PatchRun(excludeInputs bool) {
	r.mu.RLock()
	client := r.client
	replicas := append([]Replica(nil), r.replicas...)
	r.mu.RUnlock()
	if client == nil {
		return
	}
	snap := r.snapshot()
	if excludeInputs {
		snap.Inputs = nil
		snap.ExcludeInputs = true
	}
	if len(replicas) == 0 {
		client.dispatcher.enqueue(Operation{Kind: OpUpdate, Run: snap})
		return
	}
	for i, rep := range replicas {
		s := replicaSnapshot(snap, i)
		if rep.Project != "" {
			s.ProjectName = rep.Project
		}
		if rep.hasReferenceExample {
			s.ReferenceExampleID = rep.ReferenceExampleID
		} else {
			s.ReferenceExampleID = ""
		}
		client.dispatcher.enqueue(Operation{
			Kind:        OpUpdate,
			Run:         s,
			Endpoint:    rep.Endpoint,
			APIKey:      rep.APIKey,
			WorkspaceID: rep.WorkspaceID,
		})
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAttachments(m map[string]Attachment) map[string]Attachment {
	if m == nil {
		return nil
	}
	out := make(map[string]Attachment, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

