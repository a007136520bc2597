package fetcher

import (
	"bytes"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DecodeJSONObject decodes a single JSON object from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// DecodeYAMLObject decodes a single YAML document from a reader.
func DecodeYAMLObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := yaml.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "yaml: decode object")
	}
	return &obj, nil
}

// IsJSON reports whether a document should be decoded as JSON, judging by
// content type, then file extension, then the first non-space byte.
func IsJSON(name, contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return true
	case strings.Contains(ct, "yaml"):
		return false
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return true
	case ".yaml", ".yml":
		return false
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// DecodeDocument decodes a fetched document as JSON or YAML.
func DecodeDocument[T any](doc *Document) (*T, error) {
	if doc == nil {
		return nil, eris.New("fetcher: nil document")
	}
	u := doc.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if IsJSON(u, doc.ContentType, doc.Body) {
		return DecodeJSONObject[T](bytes.NewReader(doc.Body))
	}
	return DecodeYAMLObject[T](bytes.NewReader(doc.Body))
}
