// Package response turns the backend's inconsistent reply shapes into one
// canonical mapping that callers can inspect without knowing which envelope
// produced it.
package response

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Messages carried by degraded replies.
const (
	MessageMalformed = "malformed response"
	MessageUnknown   = "unknown response format"
)

// Kind discriminates RawReply variants.
type Kind int

const (
	KindUnknown Kind = iota
	// KindString is a JSON document encoded inside a string.
	KindString
	// KindEnvelope is an HTTP-style {statusCode, body} wrapper.
	KindEnvelope
	// KindFlat is an object already in canonical form.
	KindFlat
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindEnvelope:
		return "envelope"
	case KindFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// RawReply is a backend reply before normalization. Exactly one of Text or
// Object is meaningful, according to Kind.
type RawReply struct {
	Kind   Kind
	Text   string
	Object map[string]any
}

// Reply is the canonical, envelope-free reply.
type Reply map[string]any

// Classify decodes a transport body and tags its shape.
func Classify(body []byte) RawReply {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return RawReply{Kind: KindString, Text: ""}
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		// Not JSON at all; keep the text so Normalize degrades it uniformly.
		return RawReply{Kind: KindString, Text: string(trimmed)}
	}
	return FromValue(decoded)
}

// FromValue tags an already-decoded value. Checks run in a fixed order:
// string, then envelope, then flat object. Numbers inside objects are
// converted to float64, matching what encoding/json produces.
func FromValue(v any) RawReply {
	switch t := v.(type) {
	case string:
		return RawReply{Kind: KindString, Text: t}
	case []byte:
		return RawReply{Kind: KindString, Text: string(t)}
	case map[string]any:
		t = canonicalMap(t)
		_, hasStatus := t["statusCode"]
		_, hasBody := t["body"]
		if hasStatus && hasBody {
			return RawReply{Kind: KindEnvelope, Object: t}
		}
		return RawReply{Kind: KindFlat, Object: t}
	case Reply:
		return FromValue(map[string]any(t))
	default:
		return RawReply{Kind: KindUnknown}
	}
}

// Normalize converts raw into its canonical form. It never fails: undecodable
// input degrades to {code: -1, message: ...}.
func Normalize(raw RawReply) Reply {
	switch raw.Kind {
	case KindString:
		return normalizeText(raw.Text)

	case KindEnvelope:
		if !statusOK(raw.Object["statusCode"]) {
			// Non-200 envelopes are passed through unwrapped.
			return Reply(canonicalMap(raw.Object))
		}
		body := raw.Object["body"]
		if s, ok := body.(string); ok {
			return normalizeText(s)
		}
		inner := FromValue(body)
		if inner.Kind == KindUnknown {
			return degraded(MessageUnknown)
		}
		return Normalize(inner)

	case KindFlat:
		return Reply(canonicalMap(raw.Object))

	default:
		return degraded(MessageUnknown)
	}
}

// NormalizeBytes is Classify followed by Normalize.
func NormalizeBytes(body []byte) Reply {
	return Normalize(Classify(body))
}

func normalizeText(text string) Reply {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return degraded(MessageMalformed)
	}
	// A string that decodes to another string is still not a reply.
	if _, ok := decoded.(string); ok {
		return degraded(MessageMalformed)
	}
	inner := FromValue(decoded)
	if inner.Kind == KindUnknown {
		return degraded(MessageUnknown)
	}
	return Normalize(inner)
}

func canonicalMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = canonical(v)
	}
	return out
}

// canonical returns v with every Go numeric type widened to float64.
func canonical(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return canonicalMap(t)
	case Reply:
		return canonicalMap(t)
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = canonical(child)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func degraded(message string) Reply {
	return Reply{"code": float64(-1), "message": message}
}

func statusOK(v any) bool {
	n, ok := number(v)
	return ok && n == 200
}

// IsSuccess reports whether the reply's code is 0 or 200.
func IsSuccess(r Reply) bool {
	n, ok := number(r["code"])
	return ok && (n == 0 || n == 200)
}

// Code returns the numeric code, if present.
func (r Reply) Code() (float64, bool) {
	return number(r["code"])
}

// Message returns the reply message, if it is a string.
func (r Reply) Message() string {
	s, _ := r["message"].(string)
	return s
}

// ErrorText returns the reply's error field, if it is a string.
func (r Reply) ErrorText() string {
	s, _ := r["error"].(string)
	return s
}

// Data returns the data field, which may be nil.
func (r Reply) Data() any {
	return r["data"]
}

// ExtractField walks each dotted path in order and returns the first value
// present at its terminal key. JSON null counts as present.
func ExtractField(r Reply, paths ...string) (any, bool) {
	for _, path := range paths {
		if v, ok := lookup(map[string]any(r), path); ok {
			return v, true
		}
	}
	return nil, false
}

// ExtractString is ExtractField restricted to non-empty string values.
func ExtractString(r Reply, paths ...string) (string, bool) {
	for _, path := range paths {
		if v, ok := lookup(map[string]any(r), path); ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func lookup(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var cur any = root
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Reply:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
