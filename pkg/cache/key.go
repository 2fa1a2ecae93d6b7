package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// RequestKey identifies a cached request. Two requests with the same owner,
// method, path and query (in any parameter order) share a key.
type RequestKey struct {
	// Owner scopes the key to one identity. Empty for shared entries.
	Owner string

	// Method is the HTTP method (always a read method for cached requests).
	Method string

	// Path is the URL path (e.g., "/stories/42").
	Path string

	// Query are the query parameters.
	Query url.Values
}

// KeyForRequest builds the RequestKey for req.
func KeyForRequest(req *http.Request) RequestKey {
	return RequestKey{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
	}
}

// KeyForURL builds the GET RequestKey for u. Precached assets are stored
// under it so the interceptor finds them by request.
func KeyForURL(u *url.URL) RequestKey {
	return RequestKey{
		Method: http.MethodGet,
		Path:   u.Path,
		Query:  u.Query(),
	}
}

// ForOwner returns k scoped to owner.
func (k RequestKey) ForOwner(owner string) RequestKey {
	k.Owner = owner
	return k
}

// String generates a deterministic key string.
// Format: [owner|]METHOD:/path[:q1=v1:q2=v2]
//
// Example:
//
//	alice|GET:/stories/42:lang=en:page=2
func (k RequestKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}

	path := k.Path
	if path == "" {
		path = "/"
	}

	parts := []string{method, path}

	if len(k.Query) > 0 {
		queryKeys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.Query[key]...)
			sort.Strings(values)
			for _, v := range values {
				parts = append(parts, fmt.Sprintf("%s=%s", key, v))
			}
		}
	}

	key := strings.Join(parts, ":")
	if k.Owner != "" {
		key = url.PathEscape(k.Owner) + "|" + key
	}
	return key
}
