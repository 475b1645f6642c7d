// Package builtin ships the optional plugins that give the teacher's
// domain dependencies (cdproto/chromedp, golang-jwt, aws-sdk-go-v2) a
// concrete home without folding their concerns into the core runtime.
package builtin

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/wallcrawler/cdp-proxy/internal/cdpmsg"
	"github.com/wallcrawler/cdp-proxy/internal/logging"
	"github.com/wallcrawler/cdp-proxy/internal/plugin"
)

func init() {
	plugin.Add(plugin.Factory{
		Name:    "chromedp-inspector",
		Enabled: true,
		Build:   func() *plugin.Plugin { return newInspector(sharedLogger) },
	})
}

// sharedLogger is set by SetLogger before bootstrap calls plugin.Discover,
// so builtins that want to log have somewhere to send it without each
// needing their own constructor wired through the registry.
var sharedLogger *logging.Logger

// SetLogger wires the proxy's logger into every builtin plugin constructed
// from this package. Called once during bootstrap, before plugin discovery.
func SetLogger(l *logging.Logger) { sharedLogger = l }

// newInspector builds a read-only reference plugin decoding two common
// event types with cdproto's typed structs instead of raw JSON maps,
// demonstrating that a plugin may depend on strongly-typed CDP bindings
// just as well as on raw cdpmsg.Message values.
func newInspector(logger *logging.Logger) *plugin.Plugin {
	return &plugin.Plugin{
		Name: "chromedp-inspector",
		OnEvent: func(ctx context.Context, sessionID string, msg *cdpmsg.Message) (*cdpmsg.Message, error) {
			switch msg.Method {
			case "Target.targetCreated":
				var ev target.EventTargetCreated
				if err := json.Unmarshal(msg.Params, &ev); err != nil {
					return msg, nil
				}
				if logger != nil && ev.TargetInfo != nil {
					logger.Debug("chromedp-inspector", sessionID, "target created", map[string]any{
						"targetId": string(ev.TargetInfo.TargetID),
						"type":     ev.TargetInfo.Type,
						"url":      ev.TargetInfo.URL,
					})
				}
			case "Page.frameAttached":
				var ev page.EventFrameAttached
				if err := json.Unmarshal(msg.Params, &ev); err != nil {
					return msg, nil
				}
				if logger != nil {
					logger.Debug("chromedp-inspector", sessionID, "frame attached", map[string]any{
						"frameId":       string(ev.FrameID),
						"parentFrameId": string(ev.ParentFrameID),
					})
				}
			}
			return msg, nil
		},
	}
}
