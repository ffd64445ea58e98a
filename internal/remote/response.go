package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmcdole/kinosync/internal/domain"
)

// Kind classifies a Response.
type Kind int

const (
	Succeeded Kind = iota
	NotAuthenticated
	RefreshFailed
	TransportError
	HTTPError
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case NotAuthenticated:
		return "not authenticated"
	case RefreshFailed:
		return "refresh failed"
	case TransportError:
		return "transport error"
	case HTTPError:
		return "http error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Response is the single result shape of every Fetch, successful or not.
type Response struct {
	OK      bool
	Kind    Kind
	Status  int            // zero when nothing came back from the server
	Message string         // failure description
	Payload map[string]any // decoded JSON body
	Blob    []byte         // raw body of blob routes
}

// Err maps a failed response onto the domain sentinels.
func (r *Response) Err() error {
	if r == nil || r.OK {
		return nil
	}
	switch r.Kind {
	case NotAuthenticated:
		return domain.ErrNotAuthenticated
	case RefreshFailed:
		return domain.ErrRefreshFailed
	case HTTPError:
		return fmt.Errorf("%w: status %d: %s", domain.ErrHTTP, r.Status, r.Message)
	default:
		return fmt.Errorf("%w: %s", domain.ErrTransport, r.Message)
	}
}

func notAuthenticated() *Response {
	return &Response{Kind: NotAuthenticated, Message: domain.ErrNotAuthenticated.Error()}
}

func refreshFailed() *Response {
	return &Response{Kind: RefreshFailed, Message: domain.ErrRefreshFailed.Error()}
}

func transportFailure(err error) *Response {
	return &Response{Kind: TransportError, Message: err.Error()}
}

// normalize builds the Response for a body read from the server.
func normalize(route Route, status int, body []byte) *Response {
	res := &Response{Status: status}

	if route.ResponseKind() == BlobBody {
		res.Blob = body
		res.OK = status < http.StatusBadRequest
	} else {
		payload, err := decodePayload(body)
		if err != nil {
			if status < http.StatusBadRequest {
				return &Response{Kind: TransportError, Status: status, Message: err.Error()}
			}
			// A failure status with an unreadable body is still an HTTP failure
			return &Response{
				Kind:    HTTPError,
				Status:  status,
				Message: failureMessage(nil, status, body),
			}
		}
		res.Payload = payload
		res.OK = status < http.StatusBadRequest
		if route.OKSource() == OKFromPayload {
			if ok, isBool := payload["ok"].(bool); isBool {
				res.OK = ok
			}
		}
	}

	if !res.OK {
		res.Kind = HTTPError
		res.Message = failureMessage(res.Payload, status, body)
	}
	return res
}

func decodePayload(body []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"data": v}, nil
}

func failureMessage(payload map[string]any, status int, body []byte) string {
	for _, key := range []string{"message", "error"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	if payload == nil {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 256 {
			return text
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}
