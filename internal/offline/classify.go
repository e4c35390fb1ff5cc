// Package offline is the interception layer: an http.RoundTripper that
// decides, per request, whether to pass it through, serve it network-first
// with a cache fallback, or queue it for replay when the network fails.
package offline

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Strategy is how an intercepted request is handled.
type Strategy int

const (
	// StrategyPassthrough sends the request untouched: no cache, no queue.
	StrategyPassthrough Strategy = iota
	// StrategyLookup is a read embedded in a POST, cached on a fixed key.
	StrategyLookup
	// StrategyMutation is queued when the network gives no response.
	StrategyMutation
	// StrategyNetworkFirst caches successful GETs and falls back to them.
	StrategyNetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyPassthrough:
		return "passthrough"
	case StrategyLookup:
		return "lookup"
	case StrategyMutation:
		return "mutation"
	case StrategyNetworkFirst:
		return "network-first"
	default:
		return "unknown"
	}
}

// LookupSearchType is the searchType value that marks a cacheable lookup.
const LookupSearchType = "DATABASE"

// Routes names the path namespaces the classifier distinguishes.
type Routes struct {
	// MutatingProxy is the path of the write/query proxy endpoint.
	MutatingProxy string
	// API is the prefix of every other API endpoint.
	API string
}

// DefaultRoutes matches the application's proxy layout.
func DefaultRoutes() Routes {
	return Routes{MutatingProxy: "/api/proxy", API: "/api/"}
}

func (r Routes) isMutatingProxy(path string) bool {
	p := strings.TrimSuffix(r.MutatingProxy, "/")
	return path == p || strings.HasPrefix(path, p+"/")
}

func (r Routes) isAPI(path string) bool {
	return strings.HasPrefix(path, r.API)
}

// needsBody reports whether Classify looks at the body of this request, and
// so whether the body must be buffered before sending.
func (r Routes) needsBody(method, path string) bool {
	return r.isMutatingProxy(path) && (method == http.MethodPost || method == http.MethodPatch)
}

// proxyEnvelope is the part of a proxy request body the classifier reads.
type proxyEnvelope struct {
	Parameters *struct {
		SearchType *string `json:"searchType"`
	} `json:"parameters"`
}

// Classify maps a request to its strategy. It never touches the network.
func Classify(method, path string, body []byte, routes Routes) Strategy {
	if routes.isMutatingProxy(path) {
		switch method {
		case http.MethodPost:
			return classifyProxyPost(body)
		case http.MethodPatch:
			return StrategyMutation
		}
	}
	if routes.isAPI(path) || routes.isMutatingProxy(path) {
		return StrategyPassthrough
	}
	if method == http.MethodGet {
		return StrategyNetworkFirst
	}
	return StrategyPassthrough
}

// classifyProxyPost requires the explicit searchType discriminant: a body
// without it, or one that does not decode, is a mutation.
func classifyProxyPost(body []byte) Strategy {
	var env proxyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return StrategyMutation
	}
	if env.Parameters == nil || env.Parameters.SearchType == nil {
		return StrategyMutation
	}
	if *env.Parameters.SearchType == LookupSearchType {
		return StrategyLookup
	}
	// A read of another kind: never queued, never cached on the fixed key.
	return StrategyPassthrough
}
