package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// LowConfidenceThreshold is the score below which a field is flagged for review
const LowConfidenceThreshold = 0.6

// Field is one extracted key/value pair
type Field struct {
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"` // nil when the service did not rate the field
}

// DisplayConfidence returns the confidence used for display. Unrated fields
// count as fully confident.
func (f Field) DisplayConfidence() float64 {
	if f.Confidence == nil {
		return 1.0
	}
	return *f.Confidence
}

// IsLowConfidence reports whether the field should be reviewed by a human
func (f Field) IsLowConfidence() bool {
	return f.DisplayConfidence() < LowConfidenceThreshold
}

// Result is the normalized outcome of one successful upload
type Result struct {
	Text   string          `json:"text"`
	Fields []Field         `json:"fields"`
	Raw    json.RawMessage `json:"raw,omitempty"` // server payload as received, never edited
}

// LowConfidenceCount returns how many fields are below the review threshold
func (r Result) LowConfidenceCount() int {
	n := 0
	for _, f := range r.Fields {
		if f.IsLowConfidence() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of r. Nothing in the copy shares memory with r.
func (r Result) Clone() Result {
	var fields []Field
	if r.Fields != nil {
		fields = make([]Field, len(r.Fields))
		for i, f := range r.Fields {
			fields[i] = f
			if f.Confidence != nil {
				c := *f.Confidence
				fields[i].Confidence = &c
			}
		}
	}
	return Result{
		Text:   r.Text,
		Fields: fields,
		Raw:    slices.Clone(r.Raw),
	}
}

// rawResponse picks out the parts of a service response we interpret.
// Everything else stays in Result.Raw.
type rawResponse struct {
	Text   json.RawMessage   `json:"text"`
	Fields []json.RawMessage `json:"fields"`
}

// Normalize converts a service response into a Result. Missing or mistyped
// text and fields degrade to their empty values instead of failing.
func Normalize(raw json.RawMessage) Result {
	result := Result{
		Fields: []Field{},
		Raw:    raw,
	}

	var resp rawResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Not an object, or fields is not an array. Retry with only the text.
		var textOnly struct {
			Text json.RawMessage `json:"text"`
		}
		if json.Unmarshal(raw, &textOnly) == nil {
			result.Text = stringOrEmpty(textOnly.Text)
		}
		return result
	}

	result.Text = stringOrEmpty(resp.Text)
	for _, elem := range resp.Fields {
		field, ok := normalizeField(elem)
		if !ok {
			continue
		}
		result.Fields = append(result.Fields, field)
	}
	return result
}

func normalizeField(elem json.RawMessage) (Field, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(elem, &obj); err != nil || obj == nil {
		return Field{}, false
	}

	field := Field{
		Key:   scalarText(obj["key"]),
		Value: scalarText(obj["value"]),
	}

	if c, ok := obj["confidence"]; ok && isJSONNumber(c) {
		var v float64
		if err := json.Unmarshal(c, &v); err == nil {
			field.Confidence = &v
		}
	}
	return field, true
}

// stringOrEmpty returns the decoded string, or "" for anything that is not a JSON string
func stringOrEmpty(v json.RawMessage) string {
	var s string
	if len(v) == 0 || json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

// scalarText renders a JSON value as text: strings decoded, null and missing
// as "", anything else as its compact JSON form.
func scalarText(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	if v[0] == '"' {
		return stringOrEmpty(v)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

func isJSONNumber(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return false
	}
	c := v[0]
	return c == '-' || (c >= '0' && c <= '9')
}

// SetFieldValue returns a copy of r with the value of field index replaced.
// r itself is left untouched, including its Fields backing array.
func SetFieldValue(r Result, index int, value string) (Result, error) {
	if index < 0 || index >= len(r.Fields) {
		return Result{}, fmt.Errorf("%w: index %d, %d fields", ErrIndexOutOfRange, index, len(r.Fields))
	}

	fields := make([]Field, len(r.Fields))
	copy(fields, r.Fields)
	fields[index].Value = value

	return Result{
		Text:   r.Text,
		Fields: fields,
		Raw:    r.Raw,
	}, nil
}
