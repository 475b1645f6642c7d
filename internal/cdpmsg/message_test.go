package cdpmsg

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseDiscrimination(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Kind
	}{
		{"request", `{"id":1,"method":"Target.getTargets"}`, KindCommandRequest},
		{"response", `{"id":1,"result":{"targetInfos":[]}}`, KindCommandResponse},
		{"error response", `{"id":2,"error":{"code":-1,"message":"nope"}}`, KindCommandResponse},
		{"event", `{"method":"Target.targetCreated","params":{}}`, KindEvent},
		{"unknown", `{"foo":"bar"}`, KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.in))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if msg.Kind != tc.want {
				t.Errorf("Kind = %v, want %v", msg.Kind, tc.want)
			}
		})
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestMarshalRoundTripsRequest(t *testing.T) {
	in := `{"id":3,"method":"Network.setUserAgentOverride","params":{"userAgent":"X"}}`
	msg, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	out, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("re-unmarshal error = %v", err)
	}
	if got["method"] != "Network.setUserAgentOverride" {
		t.Errorf("method = %v", got["method"])
	}
	if got["id"].(float64) != 3 {
		t.Errorf("id = %v", got["id"])
	}
}

func TestMarshalMutatedParams(t *testing.T) {
	in := `{"id":3,"method":"Network.setUserAgentOverride","params":{"userAgent":"X"}}`
	msg, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	msg.Params = json.RawMessage(`{"userAgent":"X (proxied)"}`)

	out, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if got := string(out); !strings.Contains(got, `"userAgent":"X (proxied)"`) {
		t.Errorf("Marshal() = %s, missing mutated param", got)
	}
}

func TestIsHelpers(t *testing.T) {
	req, _ := Parse([]byte(`{"id":1,"method":"m"}`))
	if !req.IsCommand() || req.IsResponse() || req.IsEvent() {
		t.Errorf("request classified incorrectly: %+v", req)
	}

	resp, _ := Parse([]byte(`{"id":1,"result":{}}`))
	if !resp.IsResponse() || resp.IsCommand() || resp.IsEvent() {
		t.Errorf("response classified incorrectly: %+v", resp)
	}

	ev, _ := Parse([]byte(`{"method":"m"}`))
	if !ev.IsEvent() || ev.IsCommand() || ev.IsResponse() {
		t.Errorf("event classified incorrectly: %+v", ev)
	}
}
