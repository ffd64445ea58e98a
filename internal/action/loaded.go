package action

import (
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/merge"
	"github.com/mmcdole/kinosync/internal/remote"
)

// Keys of the loaded item wrapper.
const (
	KeyData          = "data"
	KeyLoadingStatus = "loadingStatus"
	KeyIsLoading     = "isLoading"
	KeyIsLoaded      = "isLoaded"
	KeyError         = "error"
)

// Status is the decoded loadingStatus of a loaded item.
type Status struct {
	IsLoading bool
	IsLoaded  bool
	Error     string
}

// NewLoadedItem wraps data in a fresh, never-loaded item.
func NewLoadedItem(data domain.Value) domain.Value {
	if data == nil {
		data = domain.Value{}
	}
	return domain.Value{
		KeyData: data,
		KeyLoadingStatus: map[string]any{
			KeyIsLoading: false,
			KeyIsLoaded:  false,
			KeyError:     nil,
		},
	}
}

// DataOf returns the data of a loaded item, or nil.
func DataOf(v domain.Value) domain.Value {
	data, _ := v[KeyData].(map[string]any)
	return data
}

// StatusOf decodes the loadingStatus of a loaded item.
func StatusOf(v domain.Value) Status {
	raw, _ := v[KeyLoadingStatus].(map[string]any)
	st := Status{}
	st.IsLoading, _ = raw[KeyIsLoading].(bool)
	st.IsLoaded, _ = raw[KeyIsLoaded].(bool)
	st.Error, _ = raw[KeyError].(string)
	return st
}

// LoadingHandlers returns handlers that keep a loaded item's status in step
// with the call: loading while it runs, the response's "data" deep-merged
// into data on success, the error message recorded on failure. Local-only
// operations merge a map input into data instead.
func LoadingHandlers(route remote.Route) Handlers {
	return Handlers{
		Route:   route,
		Request: loadingRequest,
		Success: loadingSuccess,
		Failure: loadingFailure,
	}
}

func loadingRequest(current domain.Value, _ any, _ remote.Route) domain.Value {
	st := StatusOf(current)
	return domain.Value{KeyLoadingStatus: map[string]any{
		KeyIsLoading: true,
		KeyIsLoaded:  st.IsLoaded,
		KeyError:     nil,
	}}
}

func loadingSuccess(current domain.Value, input any, res *remote.Response) domain.Value {
	var patch map[string]any
	if res != nil {
		patch, _ = res.Payload[KeyData].(map[string]any)
	} else {
		patch, _ = input.(map[string]any)
	}
	return domain.Value{
		KeyData: merge.Deep(DataOf(current), patch),
		KeyLoadingStatus: map[string]any{
			KeyIsLoading: false,
			KeyIsLoaded:  true,
			KeyError:     nil,
		},
	}
}

func loadingFailure(current domain.Value, _ any, err error) domain.Value {
	var msg any
	if err != nil {
		msg = err.Error()
	}
	return domain.Value{KeyLoadingStatus: map[string]any{
		KeyIsLoading: false,
		KeyIsLoaded:  StatusOf(current).IsLoaded,
		KeyError:     msg,
	}}
}

// withStatus copies a loadingStatus map with one field replaced.
func withStatus(status map[string]any, key string, value any) map[string]any {
	next := make(map[string]any, len(status))
	for k, v := range status {
		next[k] = v
	}
	next[key] = value
	return next
}
