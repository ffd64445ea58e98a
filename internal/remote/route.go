package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// BodyKind declares how a route encodes its request or decodes its response.
type BodyKind int

const (
	JSONBody BodyKind = iota
	FormBody
	BlobBody
)

func (k BodyKind) String() string {
	switch k {
	case JSONBody:
		return "json"
	case FormBody:
		return "form"
	case BlobBody:
		return "blob"
	default:
		return fmt.Sprintf("BodyKind(%d)", int(k))
	}
}

// ContentType returns the header value for a request body of this kind.
func (k BodyKind) ContentType() string {
	switch k {
	case FormBody:
		return "application/x-www-form-urlencoded"
	case BlobBody:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}

// OKSource declares where a route's success flag comes from.
type OKSource int

const (
	// OKFromPayload trusts a boolean "ok" field in the body and falls back
	// to the status code when there is none.
	OKFromPayload OKSource = iota
	// OKFromStatus derives success from the status code alone.
	OKFromStatus
)

// Call is a built request, ready to be sent.
type Call struct {
	Method string
	URL    string
	Body   []byte
}

// Route describes one remote operation.
type Route interface {
	Private() bool
	RequestKind() BodyKind
	ResponseKind() BodyKind
	OKSource() OKSource
	// Build turns input into a call under prefix.
	Build(prefix string, input any) (Call, error)
}

// Endpoint is a plain Route. Path may hold {field} placeholders that are
// filled from a map input; the remaining fields become the query string for
// bodyless methods and the body otherwise.
type Endpoint struct {
	Method    string
	Path      string
	IsPrivate bool
	Request   BodyKind
	Response  BodyKind
	OK        OKSource
}

func (e Endpoint) Private() bool          { return e.IsPrivate }
func (e Endpoint) RequestKind() BodyKind  { return e.Request }
func (e Endpoint) ResponseKind() BodyKind { return e.Response }
func (e Endpoint) OKSource() OKSource     { return e.OK }

func (e Endpoint) String() string {
	return e.method() + " " + e.Path
}

func (e Endpoint) method() string {
	if e.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(e.Method)
}

// Build implements Route.
func (e Endpoint) Build(prefix string, input any) (Call, error) {
	method := e.method()

	fields, isMap := input.(map[string]any)
	path, rest, err := expandPath(e.Path, fields)
	if err != nil {
		return Call{}, fmt.Errorf("route %s: %w", e, err)
	}
	call := Call{Method: method, URL: strings.TrimRight(prefix, "/") + path}

	if !hasBody(method) {
		if input != nil && !isMap {
			return Call{}, fmt.Errorf("route %s: query input must be a map, got %T", e, input)
		}
		if len(rest) > 0 {
			call.URL += "?" + encodeValues(rest).Encode()
		}
		return call, nil
	}

	switch e.Request {
	case FormBody:
		if input != nil && !isMap {
			return Call{}, fmt.Errorf("route %s: form input must be a map, got %T", e, input)
		}
		if len(rest) > 0 {
			call.Body = []byte(encodeValues(rest).Encode())
		}
	case BlobBody:
		switch b := input.(type) {
		case nil:
		case []byte:
			call.Body = b
		case string:
			call.Body = []byte(b)
		default:
			return Call{}, fmt.Errorf("route %s: blob input must be bytes, got %T", e, input)
		}
	default:
		var payload any = input
		if isMap {
			payload = rest
		}
		if payload != nil {
			if call.Body, err = json.Marshal(payload); err != nil {
				return Call{}, fmt.Errorf("route %s: encode body: %w", e, err)
			}
		}
	}
	return call, nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	}
	return true
}

// expandPath fills {field} placeholders from fields and returns the fields
// that were not consumed.
func expandPath(path string, fields map[string]any) (string, map[string]any, error) {
	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		rest[k] = v
	}

	var b strings.Builder
	for {
		open := strings.IndexByte(path, '{')
		if open < 0 {
			b.WriteString(path)
			break
		}
		end := strings.IndexByte(path[open:], '}')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated placeholder in %q", path)
		}
		name := path[open+1 : open+end]
		v, ok := fields[name]
		if !ok {
			return "", nil, fmt.Errorf("missing path field %q", name)
		}
		b.WriteString(path[:open])
		b.WriteString(url.PathEscape(fmt.Sprint(v)))
		delete(rest, name)
		path = path[open+end+1:]
	}
	return b.String(), rest, nil
}

func encodeValues(fields map[string]any) url.Values {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make(url.Values, len(fields))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case nil:
			values.Set(k, "")
		case string:
			values.Set(k, v)
		case []string:
			for _, s := range v {
				values.Add(k, s)
			}
		default:
			values.Set(k, fmt.Sprint(v))
		}
	}
	return values
}
