package httpgw

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRewriteTopLevelWebSocketDebuggerURL(t *testing.T) {
	body := []byte(`{"webSocketDebuggerUrl":"ws://localhost:9222/devtools/browser/abc-123"}`)
	out := RewriteResponseBody(body, 8080)

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["webSocketDebuggerUrl"] != "ws://localhost:8080/devtools/browser/abc-123" {
		t.Errorf("webSocketDebuggerUrl = %v", got["webSocketDebuggerUrl"])
	}
}

func TestRewriteArrayOfTargets(t *testing.T) {
	body := []byte(`[
		{"webSocketDebuggerUrl":"ws://localhost:9222/devtools/page/1"},
		{"webSocketDebuggerUrl":"ws://localhost:9222/devtools/page/2"}
	]`)
	out := RewriteResponseBody(body, 8080)

	var got []map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for i, item := range got {
		if !strings.Contains(item["webSocketDebuggerUrl"].(string), "localhost:8080") {
			t.Errorf("item %d not rewritten: %v", i, item["webSocketDebuggerUrl"])
		}
	}
}

func TestRewriteNestedObjectsRecursively(t *testing.T) {
	body := []byte(`{"nested":{"inner":{"debuggerUrl":"ws://localhost:9222/devtools/page/x"}}}`)
	out := RewriteResponseBody(body, 9000)

	if !strings.Contains(string(out), "localhost:9000") {
		t.Fatalf("expected rewrite to reach nested field: %s", out)
	}
	if strings.Contains(string(out), "localhost:9222") {
		t.Fatalf("original host leaked through: %s", out)
	}
}

func TestRewriteDevtoolsFrontendURLEmbeddedWS(t *testing.T) {
	body := []byte(`{"devtoolsFrontendUrl":"/devtools/inspector.html?ws=localhost%3A9222%2Fdevtools%2Fpage%2Fabc"}`)
	out := RewriteResponseBody(body, 8080)

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	val := got["devtoolsFrontendUrl"].(string)
	if strings.Contains(val, "9222") {
		t.Errorf("embedded ws target not rewritten: %s", val)
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	body := []byte(`{"webSocketDebuggerUrl":"ws://localhost:9222/devtools/browser/abc"}`)
	once := RewriteResponseBody(body, 8080)
	twice := RewriteResponseBody(once, 8080)

	var a, b map[string]any
	json.Unmarshal(once, &a)
	json.Unmarshal(twice, &b)
	if a["webSocketDebuggerUrl"] != b["webSocketDebuggerUrl"] {
		t.Errorf("rewrite not idempotent: %v vs %v", a["webSocketDebuggerUrl"], b["webSocketDebuggerUrl"])
	}
}

func TestRewriteMalformedURLPreservesOriginal(t *testing.T) {
	body := []byte(`{"webSocketDebuggerUrl":"::not a url::"}`)
	out := RewriteResponseBody(body, 8080)

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["webSocketDebuggerUrl"] != "::not a url::" {
		t.Errorf("malformed URL should be preserved unchanged, got %v", got["webSocketDebuggerUrl"])
	}
}

func TestRewriteNonJSONBodyReturnedUnchanged(t *testing.T) {
	body := []byte("not json at all")
	out := RewriteResponseBody(body, 8080)
	if string(out) != string(body) {
		t.Errorf("non-JSON body should pass through unchanged")
	}
}
