// Package sgml is a small decoder for EDGAR submission files.
//
// It understands the header block (either "KEY:<tab>value" lines or "<KEY>value"
// tags) and the <DOCUMENT> sections with their <TYPE>, <SEQUENCE>, <FILENAME>,
// <DESCRIPTION> and <TEXT> parts. Nested header sections are flattened and the
// first value of a repeated key wins.
package sgml

import (
	"bytes"
	"errors"
	"strings"

	"github.com/JakeFAU/filing-archiver/internal/filing"
)

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("sgml: empty submission")
	// ErrNoDocuments is returned when the input has no <DOCUMENT> section.
	ErrNoDocuments = errors.New("sgml: no documents found")
)

var (
	docOpen   = []byte("<DOCUMENT>")
	docClose  = []byte("</DOCUMENT>")
	textOpen  = []byte("<TEXT>")
	textClose = []byte("</TEXT>")
)

// Decoder implements filing.Decoder.
type Decoder struct{}

// New returns a Decoder.
func New() Decoder {
	return Decoder{}
}

var _ filing.Decoder = Decoder{}

// Decode splits a submission into metadata and document bodies. The metadata
// "documents" list is index-aligned with the returned bodies. When
// opts.KeepFilteredMetadata is set, documents dropped by opts.KeepDocumentTypes are
// listed under "filtered_documents".
func (Decoder) Decode(data []byte, opts filing.DecodeOptions) (map[string]any, [][]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, ErrEmpty
	}
	first := bytes.Index(data, docOpen)
	if first < 0 {
		return nil, nil, ErrNoDocuments
	}

	keys := keyer(opts.StandardizeMetadata)
	meta := parseHeader(data[:first], keys)
	keep := typeFilter(opts.KeepDocumentTypes)

	var (
		kept     []any
		filtered []any
		bodies   [][]byte
	)
	rest := data[first:]
	for {
		start := bytes.Index(rest, docOpen)
		if start < 0 {
			break
		}
		body := rest[start+len(docOpen):]
		end := bytes.Index(body, docClose)
		if end < 0 {
			end = len(body)
		}
		fields, text := parseDocument(body[:end], keys)
		if keep(fields[keys("TYPE")]) {
			kept = append(kept, fields)
			bodies = append(bodies, text)
		} else if opts.KeepFilteredMetadata {
			filtered = append(filtered, fields)
		}
		rest = body[end:]
	}

	meta[keys("DOCUMENTS")] = nonNil(kept)
	if opts.KeepFilteredMetadata && len(filtered) > 0 {
		meta[keys("FILTERED_DOCUMENTS")] = filtered
	}
	return meta, bodies, nil
}

func nonNil(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func keyer(standardize bool) func(string) string {
	if !standardize {
		return func(k string) string { return k }
	}
	return func(k string) string {
		k = strings.ToLower(strings.TrimSpace(k))
		return strings.ReplaceAll(k, " ", "-")
	}
}

func typeFilter(types []string) func(any) bool {
	if len(types) == 0 {
		return func(any) bool { return true }
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return func(v any) bool {
		s, _ := v.(string)
		_, ok := allowed[strings.ToUpper(s)]
		return ok
	}
}

func parseHeader(header []byte, keys func(string) string) map[string]any {
	meta := map[string]any{}
	for _, line := range strings.Split(string(header), "\n") {
		k, v, ok := headerField(line)
		if !ok {
			continue
		}
		key := keys(k)
		if _, exists := meta[key]; !exists {
			meta[key] = v
		}
	}
	return meta
}

// headerField reads "<KEY>value" or "KEY:<ws>value". Section openers and closers
// without a value are skipped.
func headerField(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}
	if strings.HasPrefix(line, "<") {
		if strings.HasPrefix(line, "</") {
			return "", "", false
		}
		end := strings.IndexByte(line, '>')
		if end < 0 {
			return "", "", false
		}
		k := line[1:end]
		v := strings.TrimSpace(line[end+1:])
		if k == "" || v == "" {
			return "", "", false
		}
		return k, v, true
	}
	k, v, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	v = strings.TrimSpace(v)
	if k == "" || v == "" {
		return "", "", false
	}
	return k, v, true
}

func parseDocument(section []byte, keys func(string) string) (map[string]any, []byte) {
	head := section
	var text []byte
	if i := bytes.Index(section, textOpen); i >= 0 {
		head = section[:i]
		text = section[i+len(textOpen):]
		if j := bytes.LastIndex(text, textClose); j >= 0 {
			text = text[:j]
		}
		text = trimOneNewline(text)
	}
	fields := map[string]any{}
	for _, line := range strings.Split(string(head), "\n") {
		k, v, ok := headerField(line)
		if !ok || !strings.HasPrefix(strings.TrimSpace(line), "<") {
			continue
		}
		key := keys(k)
		if _, exists := fields[key]; !exists {
			fields[key] = v
		}
	}
	// Bodies are copied out of the submission buffer.
	return fields, append([]byte(nil), text...)
}

func trimOneNewline(b []byte) []byte {
	b = bytes.TrimPrefix(b, []byte("\r\n"))
	b = bytes.TrimPrefix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return b
}
