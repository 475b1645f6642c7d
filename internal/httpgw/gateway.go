package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-proxy/internal/browsersvc"
	"github.com/wallcrawler/cdp-proxy/internal/classifier"
	"github.com/wallcrawler/cdp-proxy/internal/logging"
	"github.com/wallcrawler/cdp-proxy/internal/relay"
	"github.com/wallcrawler/cdp-proxy/internal/session"
)

// Gateway is the HTTP/WebSocket front door (§4.4/§4.7): it forwards
// non-upgrade requests to the browser's debug port with response
// rewriting, and upgrades WebSocket requests into a new session handed to
// the relay.
type Gateway struct {
	browser    *browsersvc.Supervisor
	sessions   *session.Registry
	relay      *relay.Manager
	classifier *classifier.Classifier
	logger     *logging.Logger
	proxyPort  int

	upgrader websocket.Upgrader
	client   *http.Client
}

// New constructs a Gateway. proxyPort is the port this gateway itself
// listens on, used for URL rewriting.
func New(browser *browsersvc.Supervisor, sessions *session.Registry, relayMgr *relay.Manager, cls *classifier.Classifier, logger *logging.Logger, proxyPort int) *Gateway {
	return &Gateway{
		browser:    browser,
		sessions:   sessions,
		relay:      relayMgr,
		classifier: cls,
		logger:     logger,
		proxyPort:  proxyPort,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		g.handleUpgrade(w, r)
		return
	}
	g.handlePassthrough(w, r)
}

// handlePassthrough forwards any non-upgrade HTTP request verbatim to the
// browser's debug port and rewrites WebSocket URLs in a JSON response
// body before returning it (§4.4).
func (g *Gateway) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	port := g.browser.DebugPort()
	target := fmt.Sprintf("http://localhost:%d%s", port, r.URL.RequestURI())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := g.client.Do(req)
	if err != nil {
		cerr := classifier.New(classifier.KindConnection, 502, fmt.Sprintf("forwarding to browser: %v", err), true)
		g.classifier.Handle(cerr, "")
		g.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err)
		return
	}

	rewritten := RewriteResponseBody(respBody, g.proxyPort)

	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(rewritten)
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// handleUpgrade resolves the dial target, opens the upstream browser
// socket, upgrades the client, creates a session, and hands both sockets
// to the relay (§4.7).
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := g.relay.BeginSession(r.URL.Path); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	browserURL, err := g.dialTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	browserConn, _, err := websocket.DefaultDialer.DialContext(r.Context(), browserURL, nil)
	if err != nil {
		cerr := classifier.New(classifier.KindConnection, 502, fmt.Sprintf("dialing browser: %v", err), true)
		g.classifier.Handle(cerr, "")
		http.Error(w, "failed to reach browser", http.StatusBadGateway)
		return
	}

	clientConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = browserConn.Close()
		return
	}

	sess := g.sessions.Create(clientConn, browserConn, browserURL, r.URL.Path)
	g.browser.RegisterConnection(clientConn)

	if g.logger != nil {
		g.logger.Info("session", sess.ID, "session created", map[string]any{"path": r.URL.Path})
	}

	go func() {
		g.relay.Run(context.Background(), sess)
		g.browser.UnregisterConnection(clientConn)
	}()
}

// dialTarget picks the browser-side WebSocket URL: a fresh
// webSocketDebuggerUrl for /devtools/browser/* paths (the browser-level
// target can rotate), otherwise the client's path against the browser's
// host:port.
func (g *Gateway) dialTarget(r *http.Request) (string, error) {
	if strings.HasPrefix(r.URL.Path, "/devtools/browser") {
		return g.browser.GetWebSocketURL(r.Context())
	}

	port := g.browser.DebugPort()
	u := &url.URL{Scheme: "ws", Host: fmt.Sprintf("localhost:%d", port), Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	return u.String(), nil
}
