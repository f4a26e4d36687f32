package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zombor/docextract/internal/extraction"
)

const defaultBaseName = "result"

// Content types of the produced artifacts
const (
	ContentTypeJSON = "application/json"
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Artifact is a downloadable file produced from a result
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

func suggestedName(fileName, ext string) string {
	if fileName == "" {
		fileName = defaultBaseName
	}
	return fileName + ext
}

// ToJSON serializes what the service returned, indented with two spaces.
// Edits made to the fields are not included; when no raw payload was kept
// the whole result is written instead.
func ToJSON(r *extraction.Result, fileName string) (Artifact, error) {
	var buf bytes.Buffer

	raw := bytes.TrimSpace(r.Raw)
	if len(raw) > 0 {
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return Artifact{}, fmt.Errorf("indenting raw response: %w", err)
		}
	} else {
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return Artifact{}, fmt.Errorf("marshaling result: %w", err)
		}
		// Encode terminates with a newline; json.Indent above does not
		buf.Truncate(buf.Len() - 1)
	}

	return Artifact{
		Name:        suggestedName(fileName, ".json"),
		ContentType: ContentTypeJSON,
		Data:        buf.Bytes(),
	}, nil
}

// ToCSV writes the current, possibly edited, fields as key,value,confidence rows
func ToCSV(r *extraction.Result, fileName string) Artifact {
	var b strings.Builder
	b.WriteString("key,value,confidence")
	for _, f := range r.Fields {
		b.WriteByte('\n')
		b.WriteString(csvCell(f.Key))
		b.WriteByte(',')
		b.WriteString(csvCell(f.Value))
		b.WriteByte(',')
		b.WriteString(csvCell(formatConfidence(f.Confidence)))
	}

	return Artifact{
		Name:        suggestedName(fileName, ".csv"),
		ContentType: ContentTypeCSV,
		Data:        []byte(b.String()),
	}
}

// csvCell quotes a cell only when it holds a comma, a quote or a line break
func csvCell(s string) string {
	if !strings.ContainsAny(s, ",\"\r\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func formatConfidence(c *float64) string {
	if c == nil {
		return ""
	}
	return strconv.FormatFloat(*c, 'f', -1, 64)
}
