// Package httpgw implements the HTTP proxy, URL rewriter, WebSocket
// upgrade dispatch, and bootstrap surface of §4.4/§4.7. Grounded on the
// teacher's handleHTTPRequest/proxyHTTPRequest/getChromeHTTPEndpoint
// (internal/cdpproxy/proxy.go, now removed) for passthrough, and
// autocrawlerHQ-browsergrid's URL-rewrite comment for the rewrite concern.
package httpgw

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// wsPathPrefixes are the CDP WebSocket path prefixes that mark a string
// value as a browser-origin URL needing rewrite, even outside the three
// named top-level fields.
var wsPathPrefixes = []string{"/devtools/browser", "/devtools/page", "/devtools/inspector"}

// namedURLFields carry a WebSocket (or, for devtoolsFrontendUrl, an
// embedded ws=) URL at the top level of a /json/* response object.
var namedURLFields = map[string]bool{
	"webSocketDebuggerUrl": true,
	"debuggerUrl":          true,
	"devtoolsFrontendUrl":  true,
}

// RewriteResponseBody rewrites every browser-origin WebSocket URL in a
// /json/* JSON response body so its host becomes localhost:<proxyPort>,
// preserving path and query. Non-JSON or unparsable bodies are returned
// unchanged — rewriting is best-effort and never fails the overall
// response (§4.4).
func RewriteResponseBody(body []byte, proxyPort int) []byte {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}

	rewritten := rewriteValue(v, proxyPort, "")

	out, err := json.Marshal(rewritten)
	if err != nil {
		return body
	}
	return out
}

func rewriteValue(v any, proxyPort int, fieldName string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = rewriteValue(child, proxyPort, k)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = rewriteValue(child, proxyPort, fieldName)
		}
		return out
	case string:
		if namedURLFields[fieldName] || containsWSPrefix(t) {
			if rewritten, ok := rewriteURLString(t, proxyPort); ok {
				return rewritten
			}
		}
		return t
	default:
		return v
	}
}

func containsWSPrefix(s string) bool {
	for _, p := range wsPathPrefixes {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// rewriteURLString rewrites a single URL string's host to
// localhost:<proxyPort>. devtoolsFrontendUrl carries its own target as an
// embedded ws=<encoded-url> query parameter, which is rewritten
// recursively. On any parse failure the original string and ok=false are
// returned so the caller preserves it and the passthrough still succeeds.
func rewriteURLString(raw string, proxyPort int) (string, bool) {
	if strings.Contains(raw, "ws=") {
		return rewriteEmbeddedWS(raw, proxyPort)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw, false
	}
	if u.Scheme == "ws" || u.Scheme == "wss" || u.Scheme == "http" || u.Scheme == "https" {
		u.Host = fmt.Sprintf("localhost:%d", proxyPort)
		return u.String(), true
	}
	return raw, false
}

// rewriteEmbeddedWS rewrites the ws= query parameter devtoolsFrontendUrl
// carries. Its value is a bare host:port/path (no scheme), e.g.
// "localhost:9222/devtools/page/abc", not a full ws:// URL.
func rewriteEmbeddedWS(raw string, proxyPort int) (string, bool) {
	idx := strings.Index(raw, "ws=")
	if idx < 0 {
		return raw, false
	}
	prefix := raw[:idx+len("ws=")]
	encoded := raw[idx+len("ws="):]

	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return raw, false
	}

	slash := strings.Index(decoded, "/")
	if slash < 0 {
		return raw, false
	}
	rest := decoded[slash:]
	rewritten := fmt.Sprintf("localhost:%d%s", proxyPort, rest)

	return prefix + url.QueryEscape(rewritten), true
}
