// Package relay implements the per-session WebSocket pump of §4.5: dual
// direction forwarding, a bounded drop-oldest pending buffer absorbing
// half-open periods, a client heartbeat, and the correlation-first hand-off
// into the plugin runtime (design note / decision D.1). Grounded on the
// teacher's proxyWebSocketMessages (internal/cdpproxy/proxy.go, now
// removed) and other_examples/4ef7ee40_onkernel-kernel-images.../proxy.go's
// symmetric read/write goroutine pair.
//
// Each direction splits reading from processing across two goroutines
// joined by a small channel: the read loop only parses, logs, and runs
// correlation interception before handing a message off, so it stays live
// while the processing loop runs the (potentially suspending, §5) plugin
// chain. A plugin hook that itself calls sendCDPCommand from onResponse or
// onEvent blocks the processing goroutine, not the reader — so the reader
// can still observe the correlated browser response and resolve the
// pending command instead of deadlocking until the timeout.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-proxy/internal/browsersvc"
	"github.com/wallcrawler/cdp-proxy/internal/cdpmsg"
	"github.com/wallcrawler/cdp-proxy/internal/classifier"
	"github.com/wallcrawler/cdp-proxy/internal/logging"
	"github.com/wallcrawler/cdp-proxy/internal/plugin"
	"github.com/wallcrawler/cdp-proxy/internal/session"
	"github.com/wallcrawler/cdp-proxy/internal/validator"
)

const (
	// HeartbeatInterval is how often the client socket receives a ping
	// frame while the session is alive.
	HeartbeatInterval = 30 * time.Second

	// MaxPending bounds the per-session pending buffer; the oldest entry
	// is dropped on overflow (ring semantics).
	MaxPending = 1000

	// CleanupRetryDelay is how long a caller waits, once, before retrying
	// a BeginSession call that landed on a connection mid-cleanup.
	CleanupRetryDelay = 100 * time.Millisecond

	// ProcessQueueSize bounds the channel handing parsed frames from a
	// direction's read loop to its processing loop. It only needs to
	// absorb ordinary scheduling jitter between the two goroutines — the
	// thing it exists to avoid is coupling a blocked plugin hook (e.g. one
	// awaiting sendCDPCommand, §5) to the read loop that alone can observe
	// the correlated response.
	ProcessQueueSize = 64
)

// Source tags which socket a buffered frame originated from.
type Source int

const (
	SourceClient Source = iota
	SourceBrowser
)

type pendingFrame struct {
	source Source
	frame  []byte
}

// buffer is the ring-bounded PendingMessage of §3: FIFO per source,
// drop-oldest on overflow, drained in recorded order on readiness.
type buffer struct {
	mu      sync.Mutex
	entries []pendingFrame
}

func (b *buffer) push(f pendingFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, f)
	if len(b.entries) > MaxPending {
		b.entries = b.entries[len(b.entries)-MaxPending:]
	}
}

// drain removes and returns every entry matching want, preserving relative
// order, while leaving entries for the other source untouched (partial
// drain when only one side is ready).
func (b *buffer) drain(want Source) []pendingFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []pendingFrame
	var remaining []pendingFrame
	for _, e := range b.entries {
		if e.source == want {
			matched = append(matched, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	b.entries = remaining
	return matched
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Manager runs the relay loop for every session handed to it. One Manager
// instance serves the whole proxy (§4.5: "instantiated once").
type Manager struct {
	sessions   *session.Registry
	plugins    *plugin.Runtime
	classifier *classifier.Classifier
	logger     *logging.Logger
	browser    *browsersvc.Supervisor
	validate   validator.Validator

	cleanupMu sync.Mutex
	inCleanup map[string]bool
}

// New constructs a Manager wired to the proxy's shared components.
func New(sessions *session.Registry, plugins *plugin.Runtime, cls *classifier.Classifier, logger *logging.Logger, browser *browsersvc.Supervisor, v validator.Validator) *Manager {
	if v == nil {
		v = validator.NoOp{}
	}
	return &Manager{
		sessions:   sessions,
		plugins:    plugins,
		classifier: cls,
		logger:     logger,
		browser:    browser,
		validate:   v,
		inCleanup:  make(map[string]bool),
	}
}

// BeginSession waits out any in-progress cleanup for connKey (§4.5 cleanup
// coordination), retrying once after CleanupRetryDelay before reporting a
// recoverable connection error. connKey is the client-visible connection
// identity (the upgrade request's path, e.g. "/devtools/page/<target>") —
// a freshly minted internal session id can never collide with a prior
// teardown, so the gateway calls this keyed on the identifier a
// reconnecting client actually reuses, before a Session even exists.
func (m *Manager) BeginSession(connKey string) error {
	m.cleanupMu.Lock()
	busy := m.inCleanup[connKey]
	m.cleanupMu.Unlock()
	if !busy {
		return nil
	}

	time.Sleep(CleanupRetryDelay)

	m.cleanupMu.Lock()
	busy = m.inCleanup[connKey]
	m.cleanupMu.Unlock()
	if busy {
		err := classifier.New(classifier.KindConnection, 1000, fmt.Sprintf("connection %s is mid-cleanup", connKey), true)
		m.classifier.Handle(err, "")
		return err
	}
	return nil
}

// Run drives both directions of sess until either socket closes for good,
// then unlinks the session. Both sockets are assumed already open when Run
// is called (the bootstrap dials the browser and upgrades the client
// before handing the pair to the relay).
func (m *Manager) Run(parent context.Context, sess *session.Session) {
	sess.State = session.NewConnState()
	buf := &buffer{}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	clientMsgs := make(chan *cdpmsg.Message, ProcessQueueSize)
	browserMsgs := make(chan *cdpmsg.Message, ProcessQueueSize)

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		m.pump(ctx, sess, SourceClient, sess.ClientConn, clientMsgs, cancel)
	}()
	go func() {
		defer wg.Done()
		m.pump(ctx, sess, SourceBrowser, sess.BrowserConn, browserMsgs, cancel)
	}()
	go func() {
		defer wg.Done()
		m.processLoop(ctx, sess, buf, SourceClient, clientMsgs, sess.BrowserConn)
	}()
	go func() {
		defer wg.Done()
		m.processLoop(ctx, sess, buf, SourceBrowser, browserMsgs, sess.ClientConn)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		m.heartbeat(ctx, sess)
	}()

	// Either pump returning cancels ctx; closing both sockets then unblocks
	// the other pump's pending read so the session ends when either side
	// closes.
	go func() {
		<-ctx.Done()
		_ = sess.ClientConn.Close()
		_ = sess.BrowserConn.Close()
	}()

	sess.State.SetClientReady(true)
	sess.State.SetBrowserReady(true)
	m.drainReady(sess, buf, SourceClient)
	m.drainReady(sess, buf, SourceBrowser)

	wg.Wait()
	cancel()
	<-heartbeatDone

	m.teardown(sess)
}

func (m *Manager) heartbeat(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.ClientWriteMu.Lock()
			err := sess.ClientConn.WriteMessage(websocket.TextMessage, []byte("ping"))
			sess.ClientWriteMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// pump reads from src, parses each frame, runs correlation interception
// (§ decision D.1 — must happen before anything that could suspend), and
// hands the parsed message to out for processing. It never runs the
// plugin chain itself, so a hook blocked awaiting sendCDPCommand never
// blocks this read loop — including for the correlated response the
// blocked hook is waiting on. source identifies which socket src is.
func (m *Manager) pump(ctx context.Context, sess *session.Session, source Source, src *websocket.Conn, out chan<- *cdpmsg.Message, cancel context.CancelFunc) {
	defer func() {
		close(out)
		m.markClosed(sess, source)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, frame, err := src.ReadMessage()
		if err != nil {
			m.reportSocketError(sess, source, err)
			return
		}

		msg, perr := cdpmsg.Parse(frame)
		if perr != nil {
			cerr := classifier.New(classifier.KindProtocol, 1400, fmt.Sprintf("malformed CDP frame: %v", perr), true)
			m.classifier.Handle(cerr, sess.ID)
			continue
		}

		if m.logger != nil {
			m.logger.Debug("cdp", sess.ID, "frame", map[string]any{
				"direction": directionLabel(source),
				"kind":      msg.Kind.String(),
				"id":        msg.ID,
				"method":    msg.Method,
			})
		}

		if source == SourceBrowser && m.plugins.InterceptBrowserResponse(msg) {
			continue
		}

		if res, _ := m.validate.Validate(frame); !res.OK {
			verr := classifier.New(classifier.KindValidation, 1300, "schema validation warning", true)
			m.classifier.Handle(verr, sess.ID)
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// processLoop drains in in order, running each message through the plugin
// chain and forwarding or buffering the result for dst. This is the stage
// that may suspend (a hook awaiting sendCDPCommand); it runs on its own
// goroutine precisely so that suspension never stalls the read loop that
// feeds in. source identifies the origin socket, for readiness-direction
// and write-mutex purposes.
func (m *Manager) processLoop(ctx context.Context, sess *session.Session, buf *buffer, source Source, in <-chan *cdpmsg.Message, dst *websocket.Conn) {
	for {
		var msg *cdpmsg.Message
		var ok bool
		select {
		case msg, ok = <-in:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		out := m.plugins.Process(ctx, sess.ID, msg)
		if out == nil {
			continue
		}

		encoded, merr := out.Marshal()
		if merr != nil {
			cerr := classifier.New(classifier.KindProtocol, 1401, fmt.Sprintf("re-encoding CDP frame: %v", merr), true)
			m.classifier.Handle(cerr, sess.ID)
			continue
		}

		if m.destReady(sess, source) {
			m.write(sess, source, dst, encoded)
		} else {
			buf.push(pendingFrame{source: source, frame: encoded})
		}
	}
}

// destReady reports whether the destination implied by source is ready to
// receive: client->browser requires both sockets OPEN, browser->client
// requires only the client OPEN.
func (m *Manager) destReady(sess *session.Session, source Source) bool {
	if source == SourceClient {
		return sess.State.BothReady()
	}
	return sess.State.ClientReady()
}

func (m *Manager) write(sess *session.Session, source Source, dst *websocket.Conn, frame []byte) {
	mu := &sess.BrowserWriteMu
	if source == SourceBrowser {
		mu = &sess.ClientWriteMu
	}
	mu.Lock()
	defer mu.Unlock()
	if err := dst.WriteMessage(websocket.TextMessage, frame); err != nil {
		cerr := classifier.New(classifier.KindConnection, 1006, fmt.Sprintf("writing frame: %v", err), true)
		m.classifier.Handle(cerr, sess.ID)
	}
}

// drainReady flushes any buffered frames destined for the side that just
// became ready; called once up front since both sockets start OPEN, and
// available for callers that mark readiness asynchronously.
func (m *Manager) drainReady(sess *session.Session, buf *buffer, justBecameReady Source) {
	// A source becoming ready means its counterpart direction can now
	// flush: client ready -> drain browser-sourced frames to the client;
	// browser ready (and client already ready) -> drain client-sourced
	// frames to the browser.
	if justBecameReady == SourceClient {
		for _, f := range buf.drain(SourceBrowser) {
			m.write(sess, SourceBrowser, sess.ClientConn, f.frame)
		}
	}
	if justBecameReady == SourceBrowser && sess.State.ClientReady() {
		for _, f := range buf.drain(SourceClient) {
			m.write(sess, SourceClient, sess.BrowserConn, f.frame)
		}
	}
}

func (m *Manager) markClosed(sess *session.Session, source Source) {
	teardown := m.browser != nil && m.browser.IsKilling()
	if source == SourceClient {
		if !teardown {
			sess.State.SetClientReady(false)
		}
		return
	}
	if !teardown {
		sess.State.SetBrowserReady(false)
	}
}

func (m *Manager) reportSocketError(sess *session.Session, source Source, err error) {
	if m.browser != nil && source == SourceBrowser && m.browser.IsKilling() {
		return
	}

	msg := err.Error()
	if disconnectionLike(err) {
		if m.logger != nil {
			m.logger.Debug("relay", sess.ID, "socket closed", map[string]any{"direction": directionLabel(source)})
		}
		return
	}

	cerr := classifier.New(classifier.KindConnection, 1006, fmt.Sprintf("socket read error (%s): %s", directionLabel(source), msg), true)
	m.classifier.Handle(cerr, sess.ID)

	conn := sess.ClientConn
	if source == SourceBrowser {
		conn = sess.BrowserConn
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseAbnormalClosure, "relay error"),
		time.Now().Add(2*time.Second))
}

func disconnectionLike(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if _, ok := err.(*websocket.CloseError); ok {
		return true
	}
	return err.Error() == "EOF"
}

func directionLabel(source Source) string {
	if source == SourceClient {
		return "client->browser"
	}
	return "browser->client"
}

// teardown unlinks the session from the registry and clears its error
// counters. It does not close either socket — both pumps have already
// observed their own closure by the time Run returns. inCleanup is keyed
// by ClientPath, matching BeginSession's pre-Session lookup key.
func (m *Manager) teardown(sess *session.Session) {
	m.cleanupMu.Lock()
	m.inCleanup[sess.ClientPath] = true
	m.cleanupMu.Unlock()

	m.sessions.Remove(sess.ID)
	m.classifier.Clear(sess.ID)

	m.cleanupMu.Lock()
	delete(m.inCleanup, sess.ClientPath)
	m.cleanupMu.Unlock()
}
