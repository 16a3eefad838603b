// Package wire encodes batches of run operations into the multipart body
// the ingest endpoint expects: a stable per-run section order (summary,
// inputs, outputs, events, attachments) so the server can commit a run's
// summary before its bulkier fields arrive.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Section names a part of a run's multipart framing. The ordering of the
// constants doubles as the required emission order.
type Section string

const (
	SectionSummary     Section = "summary"
	SectionInputs      Section = "inputs"
	SectionOutputs     Section = "outputs"
	SectionEvents      Section = "events"
	SectionAttachments Section = "attachments"
)

// OpKind mirrors the dispatcher's create/update distinction without
// importing the root package (wire must stay leaf-level).
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
)

// Attachment is a named binary payload to frame after a run's bulky
// field sections.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// RunSummary is the JSON-serializable envelope for a run's summary
// section: every field except the bulky ones (inputs/outputs/events),
// which get their own sections so the server can stream-parse large
// payloads independently of the summary.
type RunSummary struct {
	ID                 string    `json:"id"`
	TraceID            string    `json:"trace_id"`
	ParentRunID        string    `json:"parent_run_id,omitempty"`
	DottedOrder        string    `json:"dotted_order"`
	Name               string    `json:"name"`
	RunType            string    `json:"run_type"`
	StartTime          time.Time `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	Error              string    `json:"error,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
	ReferenceExampleID string    `json:"reference_example_id,omitempty"`
	Project            string    `json:"session_name,omitempty"`
	Operation          string    `json:"-"`
}

// RunOperation is everything wire needs to frame one run: its summary
// plus the bulky fields and attachments kept as separate sections.
type RunOperation struct {
	Kind        OpKind
	Summary     RunSummary
	Inputs      map[string]any
	Outputs     map[string]any
	Events      []EventJSON
	Attachments []Attachment
}

// EventJSON is the wire shape of a run event.
type EventJSON struct {
	Name   string         `json:"name"`
	Time   time.Time      `json:"time"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// EncodeBatch writes ops as a multipart/form-data body and returns its
// content type (including the boundary parameter), per §4.6.
func EncodeBatch(ops []RunOperation) (contentType string, body []byte, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, op := range ops {
		if err := writeRun(w, op); err != nil {
			return "", nil, err
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("wire: closing multipart writer: %w", err)
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

func writeRun(w *multipart.Writer, op RunOperation) error {
	runID := op.Summary.ID

	summaryJSON, err := json.Marshal(op.Summary)
	if err != nil {
		return fmt.Errorf("wire: marshaling summary for run %s: %w", runID, err)
	}
	if err := writeJSONPart(w, sectionName(runID, SectionSummary), opHeader(op.Kind), summaryJSON); err != nil {
		return err
	}

	if len(op.Inputs) > 0 {
		b, err := json.Marshal(op.Inputs)
		if err != nil {
			return fmt.Errorf("wire: marshaling inputs for run %s: %w", runID, err)
		}
		if err := writeJSONPart(w, sectionName(runID, SectionInputs), nil, b); err != nil {
			return err
		}
	}
	if len(op.Outputs) > 0 {
		b, err := json.Marshal(op.Outputs)
		if err != nil {
			return fmt.Errorf("wire: marshaling outputs for run %s: %w", runID, err)
		}
		if err := writeJSONPart(w, sectionName(runID, SectionOutputs), nil, b); err != nil {
			return err
		}
	}
	if len(op.Events) > 0 {
		b, err := json.Marshal(op.Events)
		if err != nil {
			return fmt.Errorf("wire: marshaling events for run %s: %w", runID, err)
		}
		if err := writeJSONPart(w, sectionName(runID, SectionEvents), nil, b); err != nil {
			return err
		}
	}
	for _, a := range op.Attachments {
		if err := writeAttachmentPart(w, runID, a); err != nil {
			return err
		}
	}
	return nil
}

func opHeader(kind OpKind) map[string]string {
	if kind == OpUpdate {
		return map[string]string{"X-Operation": "update"}
	}
	return map[string]string{"X-Operation": "create"}
}

func sectionName(runID string, s Section) string {
	return fmt.Sprintf("%s.%s", runID, s)
}

func writeJSONPart(w *multipart.Writer, name string, extraHeaders map[string]string, payload []byte) error {
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q`, name)}
	h["Content-Type"] = []string{"application/json"}
	for k, v := range extraHeaders {
		h[k] = []string{v}
	}
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("wire: creating part %s: %w", name, err)
	}
	_, err = pw.Write(payload)
	return err
}

// writeAttachmentPart frames a binary attachment the way a generated
// msgp.Marshaler would frame a binary field (bin8/16/32 length prefix via
// msgp.AppendBytes), so the section's bytes are self-delimiting even if
// the payload happens to contain a sequence resembling the multipart
// boundary.
func writeAttachmentPart(w *multipart.Writer, runID string, a Attachment) error {
	name := fmt.Sprintf("%s.attachment.%s", runID, a.Name)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, name, a.Name)}
	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h["Content-Type"] = []string{mimeType}
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("wire: creating attachment part %s: %w", name, err)
	}
	framed := msgp.AppendBytes(nil, a.Data)
	_, err = pw.Write(framed)
	return err
}

// DecodeAttachment reverses writeAttachmentPart's msgp binary framing,
// used by test fakes that want to assert on attachment bytes without
// depending on multipart internals.
func DecodeAttachment(b []byte) ([]byte, error) {
	data, _, err := msgp.ReadBytesBytes(b, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: decoding attachment section: %w", err)
	}
	return data, nil
}

// DecodeBatch reassembles the RunOperations EncodeBatch produced, in
// order, attaching each section to the run id embedded in its form name;
// a second summary section for the same run id starts that run's next
// operation (EncodeBatch writes every operation's summary first). Used exclusively
// by the in-process fake ingest server (internal/testdispatch) to assert
// on what a traceable actually sent, without the test depending on HTTP
// transport details.
func DecodeBatch(contentType string, body []byte) ([]RunOperation, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("wire: parsing content type: %w", err)
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, fmt.Errorf("wire: multipart content type missing boundary")
	}

	byID := map[string]*RunOperation{}
	hasSummary := map[string]bool{}
	order := []*RunOperation{}
	ensure := func(id string) *RunOperation {
		op, ok := byID[id]
		if !ok {
			op = &RunOperation{Summary: RunSummary{ID: id}}
			byID[id] = op
			order = append(order, op)
		}
		return op
	}

	r := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wire: reading part: %w", err)
		}
		name := part.FormName()
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("wire: reading part %s: %w", name, err)
		}

		runID, rest, isAttachment := splitSectionName(name)
		if rest == string(SectionSummary) && hasSummary[runID] {
			delete(byID, runID)
		}
		op := ensure(runID)
		switch {
		case isAttachment:
			attachmentName := strings.TrimPrefix(rest, "attachment.")
			decoded, err := DecodeAttachment(data)
			if err != nil {
				return nil, err
			}
			op.Attachments = append(op.Attachments, Attachment{
				Name:     attachmentName,
				MimeType: part.Header.Get("Content-Type"),
				Data:     decoded,
			})
		case rest == string(SectionSummary):
			if err := json.Unmarshal(data, &op.Summary); err != nil {
				return nil, fmt.Errorf("wire: unmarshaling summary for run %s: %w", runID, err)
			}
			op.Summary.ID = runID
			hasSummary[runID] = true
			if part.Header.Get("X-Operation") == "update" {
				op.Kind = OpUpdate
			} else {
				op.Kind = OpCreate
			}
		case rest == string(SectionInputs):
			if err := json.Unmarshal(data, &op.Inputs); err != nil {
				return nil, fmt.Errorf("wire: unmarshaling inputs for run %s: %w", runID, err)
			}
		case rest == string(SectionOutputs):
			if err := json.Unmarshal(data, &op.Outputs); err != nil {
				return nil, fmt.Errorf("wire: unmarshaling outputs for run %s: %w", runID, err)
			}
		case rest == string(SectionEvents):
			if err := json.Unmarshal(data, &op.Events); err != nil {
				return nil, fmt.Errorf("wire: unmarshaling events for run %s: %w", runID, err)
			}
		default:
			return nil, fmt.Errorf("wire: unrecognized section %q", name)
		}
	}

	out := make([]RunOperation, 0, len(order))
	for _, op := range order {
		out = append(out, *op)
	}
	return out, nil
}

// splitSectionName splits a "<runID>.<section...>" form name produced by
// sectionName/writeAttachmentPart back into the run id and the remainder,
// reporting whether the remainder names an attachment section.
func splitSectionName(name string) (runID, rest string, isAttachment bool) {
	idx := strings.Index(name, ".")
	if idx < 0 {
		return name, "", false
	}
	runID = name[:idx]
	rest = name[idx+1:]
	return runID, rest, strings.HasPrefix(rest, "attachment.")
}
