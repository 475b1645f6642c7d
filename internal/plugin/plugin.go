// Package plugin implements the ordered transformation chain of §4.6:
// registration, per-frame dispatch with error isolation, plugin-initiated
// commands correlated against a dedicated ID range, and synthetic client
// events. Grounded on the dispatch shape of
// other_examples/.../autocrawlerHQ-browsergrid/.../internal-browser-proxy.go
// (events.Dispatcher invoked per parsed command/event) and the design
// note's "struct of function values" recommendation for a capability
// bundle with optional hooks.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-proxy/internal/cdpmsg"
	"github.com/wallcrawler/cdp-proxy/internal/classifier"
	"github.com/wallcrawler/cdp-proxy/internal/logging"
	"github.com/wallcrawler/cdp-proxy/internal/session"
)

const (
	// PluginMessageIDBase is the first ID in the plugin-reserved range
	// (§3 PluginPendingRequest), chosen to be disjoint from any realistic
	// client-originated command ID.
	PluginMessageIDBase int64 = 1_000_000_000

	// CommandTimeout bounds how long a plugin-initiated command waits for
	// its browser response before the future is rejected.
	CommandTimeout = 5 * time.Second

	// CleanupTimeout bounds how long plugin cleanup may run at shutdown.
	CleanupTimeout = 5 * time.Second
)

// HookFunc transforms one CDP message for one session. Returning (nil, nil)
// suppresses the frame. Returning a non-nil error isolates the plugin for
// this message only; processing continues with the message as it stood
// before this hook ran.
type HookFunc func(ctx context.Context, sessionID string, msg *cdpmsg.Message) (*cdpmsg.Message, error)

// Plugin is a capability bundle: zero or more hooks, an optional cleanup,
// and the two capabilities the runtime injects on Register. Implementations
// construct a Plugin value with whichever hook fields apply and leave the
// rest nil; SendCDPCommand/EmitClientEvent are filled in by the runtime,
// never by the plugin author.
type Plugin struct {
	Name string

	OnRequest  HookFunc
	OnResponse HookFunc
	OnEvent    HookFunc

	Cleanup func(ctx context.Context) error

	// SendCDPCommand and EmitClientEvent are injected by Runtime.Register.
	// Plugins call these to originate a browser command or a synthetic
	// client event; leaving them nil until registration makes it
	// impossible for a plugin to invoke them before it is wired up.
	SendCDPCommand  func(ctx context.Context, sessionID, endpoint string, request *cdpmsg.Message) (*cdpmsg.Message, error)
	EmitClientEvent func(ctx context.Context, sessionID string, event *cdpmsg.Message) error
}

func (p *Plugin) hasHook() bool {
	return p.OnRequest != nil || p.OnResponse != nil || p.OnEvent != nil
}

type pendingRequest struct {
	resolve chan *cdpmsg.Message
	reject  chan error
}

// Runtime owns the registered plugin chain plus the correlation map for
// plugin-initiated commands.
type Runtime struct {
	sessions   *session.Registry
	classifier *classifier.Classifier
	logger     *logging.Logger

	mu      sync.Mutex
	plugins []*Plugin

	corrMu  sync.Mutex
	pending map[int64]*pendingRequest
	nextID  int64
}

// New constructs an empty Runtime bound to the shared session registry,
// classifier, and logger.
func New(sessions *session.Registry, cls *classifier.Classifier, logger *logging.Logger) *Runtime {
	return &Runtime{
		sessions:   sessions,
		classifier: cls,
		logger:     logger,
		pending:    make(map[int64]*pendingRequest),
		nextID:     PluginMessageIDBase,
	}
}

// Register validates and appends a plugin in registration order, injecting
// its sendCDPCommand/emitClientEvent capabilities bound to this runtime.
// A plugin with no hooks at all is invalid and is reported as a recoverable
// plugin error instead of being registered.
func (r *Runtime) Register(p *Plugin) error {
	if p == nil || !p.hasHook() {
		err := classifier.New(classifier.KindPlugin, 2001, "plugin has no hooks; ignored", true)
		r.classifier.Handle(err, "")
		return err
	}

	p.SendCDPCommand = r.SendCDPCommand
	p.EmitClientEvent = r.EmitClientEvent

	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()

	r.logger.Info("plugin", "", "registered plugin", map[string]any{"name": p.Name})
	return nil
}

func (r *Runtime) snapshot() []*Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func hookFor(p *Plugin, msg *cdpmsg.Message) HookFunc {
	switch msg.Kind {
	case cdpmsg.KindCommandRequest:
		return p.OnRequest
	case cdpmsg.KindCommandResponse:
		return p.OnResponse
	case cdpmsg.KindEvent:
		return p.OnEvent
	default:
		return nil
	}
}

// Process runs msg through every registered plugin's matching hook in
// registration order. A hook returning (nil, nil) suppresses the frame for
// every subsequent plugin. A hook panicking or returning an error is
// isolated: it is counted as a recoverable plugin error and processing
// continues with the message as it stood before that hook ran.
func (r *Runtime) Process(ctx context.Context, sessionID string, msg *cdpmsg.Message) *cdpmsg.Message {
	current := msg
	for _, p := range r.snapshot() {
		hook := hookFor(p, current)
		if hook == nil {
			continue
		}

		next, err := r.invoke(ctx, hook, sessionID, current)
		if err != nil {
			cerr := classifier.New(classifier.KindPlugin, 2002, fmt.Sprintf("plugin %q hook failed: %v", p.Name, err), true)
			r.classifier.Handle(cerr, sessionID)
			continue
		}
		if next == nil {
			return nil
		}
		current = next
	}
	return current
}

// invoke calls hook with panic recovery so a misbehaving plugin cannot take
// down the relay loop calling Process.
func (r *Runtime) invoke(ctx context.Context, hook HookFunc, sessionID string, msg *cdpmsg.Message) (out *cdpmsg.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return hook(ctx, sessionID, msg)
}

// InterceptBrowserResponse implements the relay's correlation-first stage
// (D.1): a response whose id falls in the plugin range and matches a
// pending record is resolved/rejected here and must not reach the plugin
// chain or the client. Returns true if msg was consumed.
func (r *Runtime) InterceptBrowserResponse(msg *cdpmsg.Message) bool {
	if !msg.IsResponse() || msg.ID < PluginMessageIDBase {
		return false
	}

	r.corrMu.Lock()
	pr, ok := r.pending[msg.ID]
	if ok {
		delete(r.pending, msg.ID)
	}
	r.corrMu.Unlock()
	if !ok {
		return false
	}

	if msg.Error != nil {
		pr.reject <- fmt.Errorf("cdp error %d: %s", msg.Error.Code, msg.Error.Message)
	} else {
		pr.resolve <- msg
	}
	return true
}

func (r *Runtime) allocateID() int64 {
	r.corrMu.Lock()
	defer r.corrMu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// SendCDPCommand originates a command from a plugin to the browser socket
// of sessionID, allocating an ID from the plugin range and awaiting the
// correlated response (or a 5 s timeout).
func (r *Runtime) SendCDPCommand(ctx context.Context, sessionID, endpoint string, request *cdpmsg.Message) (*cdpmsg.Message, error) {
	_ = endpoint // the target is implied by sessionID's browser socket; kept for call-site clarity

	sess := r.sessions.Get(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("plugin: unknown session %q", sessionID)
	}
	if !sess.State.BrowserReady() {
		return nil, fmt.Errorf("plugin: browser socket not open for session %q", sessionID)
	}

	id := r.allocateID()
	request.ID = id
	request.Kind = cdpmsg.KindCommandRequest

	pr := &pendingRequest{
		resolve: make(chan *cdpmsg.Message, 1),
		reject:  make(chan error, 1),
	}
	r.corrMu.Lock()
	r.pending[id] = pr
	r.corrMu.Unlock()

	frame, err := request.Marshal()
	if err != nil {
		r.forgetPending(id)
		return nil, err
	}

	sess.BrowserWriteMu.Lock()
	writeErr := sess.BrowserConn.WriteMessage(websocket.TextMessage, frame)
	sess.BrowserWriteMu.Unlock()
	if writeErr != nil {
		r.forgetPending(id)
		return nil, writeErr
	}

	timer := time.NewTimer(CommandTimeout)
	defer timer.Stop()

	select {
	case resp := <-pr.resolve:
		return resp, nil
	case err := <-pr.reject:
		return nil, err
	case <-timer.C:
		r.forgetPending(id)
		return nil, fmt.Errorf("plugin: command %d timed out after %s", id, CommandTimeout)
	case <-ctx.Done():
		r.forgetPending(id)
		return nil, ctx.Err()
	}
}

func (r *Runtime) forgetPending(id int64) {
	r.corrMu.Lock()
	delete(r.pending, id)
	r.corrMu.Unlock()
}

// EmitClientEvent writes a synthetic event directly to sessionID's client
// socket, bypassing the plugin chain entirely.
func (r *Runtime) EmitClientEvent(ctx context.Context, sessionID string, event *cdpmsg.Message) error {
	sess := r.sessions.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("plugin: unknown session %q", sessionID)
	}
	if !sess.State.ClientReady() {
		return fmt.Errorf("plugin: client socket not open for session %q", sessionID)
	}

	event.Kind = cdpmsg.KindEvent
	frame, err := event.Marshal()
	if err != nil {
		return err
	}

	sess.ClientWriteMu.Lock()
	defer sess.ClientWriteMu.Unlock()
	return sess.ClientConn.WriteMessage(websocket.TextMessage, frame)
}

// ClearPlugins runs every registered plugin's Cleanup concurrently, racing
// the whole batch against CleanupTimeout. Cleanup errors are logged, never
// propagated. After this call the plugin list is empty.
func (r *Runtime) ClearPlugins(ctx context.Context) {
	plugins := r.snapshot()

	r.mu.Lock()
	r.plugins = nil
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, CleanupTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, p := range plugins {
			if p.Cleanup == nil {
				continue
			}
			wg.Add(1)
			go func(p *Plugin) {
				defer wg.Done()
				if err := p.Cleanup(cctx); err != nil {
					r.logger.Warn("plugin", "", "cleanup failed", map[string]any{"name": p.Name, "error": err.Error()})
				}
			}(p)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-cctx.Done():
		r.logger.Warn("plugin", "", "cleanup abandoned at timeout", nil)
	}
}
