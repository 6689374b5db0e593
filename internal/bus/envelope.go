package bus

import "encoding/json"

// EnvelopeKind tags the result of Decode.
type EnvelopeKind int

const (
	// KindRaw is data without an event name. It cannot be routed.
	KindRaw EnvelopeKind = iota
	// KindEnveloped is data that names the event it carries.
	KindEnveloped
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindEnveloped:
		return "enveloped"
	default:
		return "raw"
	}
}

// Envelope is one decoded publication.
type Envelope struct {
	Kind    EnvelopeKind
	Event   string // set only for KindEnveloped
	Payload any
}

// envelope keys stripped when the payload is "the object minus envelope".
var envelopeKeys = []string{"event", "type", "payload", "data"}

// Decode classifies publication data.
//
// A JSON object with a non-empty string "event" (or, failing that, "type")
// is enveloped. Its payload is the "payload" field, else "data", else the
// object with the envelope keys removed. Anything else (arrays, scalars,
// objects without an event name, invalid JSON) is raw.
func Decode(data []byte) Envelope {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return Envelope{Kind: KindRaw, Payload: decodeAny(data)}
	}

	event := stringField(obj, "event")
	if event == "" {
		event = stringField(obj, "type")
	}
	if event == "" {
		return Envelope{Kind: KindRaw, Payload: decodeAny(data)}
	}

	if raw, ok := obj["payload"]; ok {
		return Envelope{Kind: KindEnveloped, Event: event, Payload: decodeAny(raw)}
	}
	if raw, ok := obj["data"]; ok {
		return Envelope{Kind: KindEnveloped, Event: event, Payload: decodeAny(raw)}
	}

	rest := make(map[string]any, len(obj))
	for k, v := range obj {
		rest[k] = decodeAny(v)
	}
	for _, k := range envelopeKeys {
		delete(rest, k)
	}
	return Envelope{Kind: KindEnveloped, Event: event, Payload: rest}
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decodeAny(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
