package domain

import (
	"bytes"
	"encoding/json"
	"math"
)

// EventKind classifies one decoded upstream line.
type EventKind int

const (
	KindPassthrough EventKind = iota
	KindRouterDecision
	KindTextDelta
	KindFinal
	KindHumanTask
	KindSideAction
	KindError
)

var kindNames = map[EventKind]string{
	KindPassthrough:    "passthrough",
	KindRouterDecision: "router_decision",
	KindTextDelta:      "text",
	KindFinal:          "final",
	KindHumanTask:      "human_task",
	KindSideAction:     "side_action",
	KindError:          "error",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Marker keys that select a variant.
const (
	markerError          = "error"
	markerHumanTask      = "human_task"
	markerFinal          = "is_final"
	markerRouterDecision = "router_decision"
	markerText           = "text"
	markerSideAction     = "side_action"
	markerAction         = "action"
)

// RouterDecision is the routing step's informational output.
type RouterDecision struct {
	Model            string `json:"model,omitempty"`
	NeedsRAG         bool   `json:"needs_rag,omitempty"`
	NeedsTools       bool   `json:"needs_tools,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
	NeedsHumanReview bool   `json:"needs_human_review,omitempty"`
}

// Method derives the generation method label recorded on the query.
func (d *RouterDecision) Method() string {
	switch {
	case d == nil:
		return ""
	case d.NeedsRAG && d.NeedsTools:
		return "rag+tools"
	case d.NeedsRAG:
		return "rag"
	case d.NeedsTools:
		return "tools"
	default:
		return "direct"
	}
}

// Metrics are the aggregate numbers a Final event may carry. Raw keeps the
// complete object, including per-stage call counts the gateway does not model.
type Metrics struct {
	PromptTokens     int             `json:"prompt_tokens,omitempty"`
	CompletionTokens int             `json:"completion_tokens,omitempty"`
	TotalTokens      int             `json:"total_tokens,omitempty"`
	DurationMs       int64           `json:"duration_ms,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// Final marks the end of generation.
type Final struct {
	Text    string
	Method  string
	Model   string
	Metrics *Metrics
}

// HumanTaskInterrupt asks for a durable human approval record.
type HumanTaskInterrupt struct {
	ID           string `json:"id,omitempty"`
	ModelQueryID string `json:"model_query_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	Status       string `json:"status,omitempty"`
}

// ErrorDetail is the body of an in-band error line.
type ErrorDetail struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type upstreamErrorDetail struct {
	ErrorDetail
	Message string `json:"message"`
}

// Event is one classified upstream line. Raw is the exact line, used for
// verbatim forwarding. Only the field matching Kind is populated.
type Event struct {
	Kind           EventKind
	Raw            []byte
	RouterDecision *RouterDecision
	Text           string
	Final          *Final
	HumanTask      *HumanTaskInterrupt
	Error          *ErrorDetail
}

// ParseEvent decodes one line into an Event. It reports false for lines that
// are not a JSON object; callers drop those without aborting the stream.
func ParseEvent(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return Event{}, false
	}

	ev := Event{Kind: KindPassthrough, Raw: line}

	if raw, ok := present(fields, markerError); ok {
		ev.Kind = KindError
		ev.Error = decodeErrorDetail(raw)
		return ev, true
	}

	if raw, ok := present(fields, markerHumanTask); ok {
		var ht HumanTaskInterrupt
		if err := json.Unmarshal(raw, &ht); err == nil {
			ev.Kind = KindHumanTask
			ev.HumanTask = &ht
			return ev, true
		}
	}

	if raw, ok := present(fields, markerFinal); ok {
		var final bool
		if err := json.Unmarshal(raw, &final); err == nil && final {
			ev.Kind = KindFinal
			ev.Final = decodeFinal(fields)
			return ev, true
		}
	}

	if raw, ok := present(fields, markerRouterDecision); ok {
		var rd RouterDecision
		if err := json.Unmarshal(raw, &rd); err == nil {
			ev.Kind = KindRouterDecision
			ev.RouterDecision = &rd
			return ev, true
		}
	}

	if raw, ok := present(fields, markerText); ok {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			ev.Kind = KindTextDelta
			ev.Text = text
			return ev, true
		}
	}

	if _, ok := present(fields, markerSideAction); ok {
		ev.Kind = KindSideAction
		return ev, true
	}
	if _, ok := present(fields, markerAction); ok {
		ev.Kind = KindSideAction
		return ev, true
	}

	return ev, true
}

// present returns the value stored under key unless it is absent or null.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, false
	}
	return raw, true
}

func decodeErrorDetail(raw json.RawMessage) *ErrorDetail {
	var d upstreamErrorDetail
	if err := json.Unmarshal(raw, &d); err == nil {
		detail := d.ErrorDetail
		if detail.Code == "" {
			detail.Code = string(ErrorCodeUpstreamError)
		}
		if detail.Detail == "" {
			detail.Detail = d.Message
		}
		return &detail
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &ErrorDetail{Code: string(ErrorCodeUpstreamError), Detail: msg}
	}
	return &ErrorDetail{Code: string(ErrorCodeUpstreamError), Detail: string(raw)}
}

func decodeFinal(fields map[string]json.RawMessage) *Final {
	final := &Final{}
	if raw, ok := present(fields, markerText); ok {
		_ = json.Unmarshal(raw, &final.Text)
	}
	if raw, ok := present(fields, "method"); ok {
		_ = json.Unmarshal(raw, &final.Method)
	}
	if raw, ok := present(fields, "model"); ok {
		_ = json.Unmarshal(raw, &final.Model)
	}
	if raw, ok := present(fields, "metrics"); ok {
		final.Metrics = decodeMetrics(raw)
	}
	return final
}

// decodeMetrics keeps any JSON object. Numeric fields may arrive as floats
// and are rounded; values of other types read as zero.
func decodeMetrics(raw json.RawMessage) *Metrics {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil
	}
	return &Metrics{
		PromptTokens:     int(metricNumber(fields["prompt_tokens"])),
		CompletionTokens: int(metricNumber(fields["completion_tokens"])),
		TotalTokens:      int(metricNumber(fields["total_tokens"])),
		DurationMs:       metricNumber(fields["duration_ms"]),
		Raw:              append(json.RawMessage(nil), raw...),
	}
}

func metricNumber(v any) int64 {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0
	}
	return int64(math.Round(f))
}

// MarshalErrorLine renders an in-band error line without a trailing newline.
func MarshalErrorLine(code ErrorCode, detail string) []byte {
	b, _ := json.Marshal(struct {
		Error ErrorDetail `json:"error"`
	}{Error: ErrorDetail{Code: string(code), Detail: detail}})
	return b
}
