// Package browsersvc implements the browser lifecycle supervisor (§4.2):
// launching the browser binary, polling its debug port until ready,
// tracking client-facing connections for a clean shutdown, and retrying
// the whole start sequence with backoff. Grounded on
// cmd/ecs-controller/main.go's startChrome/waitForChrome/cleanup and
// internal/cdpproxy/utils.go's CircuitBreaker failure-count idiom.
package browsersvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-proxy/internal/classifier"
)

const (
	pollInterval  = 500 * time.Millisecond
	maxRetries    = 3
	baseDelay     = 500 * time.Millisecond
	stopConnGrace = 2 * time.Second
)

// State is the supervisor's lifecycle state machine.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateKilling
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateKilling:
		return "killing"
	default:
		return "idle"
	}
}

var browserWSURLPattern = regexp.MustCompile(`^ws://localhost:\d+/devtools/browser/.+`)

// Config controls how the supervisor launches the browser.
type Config struct {
	ExecutablePath string // CHROMIUM_EXECUTABLE_PATH override
	Port           int    // debug port; 0 picks a free port
}

// Supervisor owns the browser process's lifecycle.
type Supervisor struct {
	cfg Config

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	port        int
	debuggerURL string
	profileDir  string

	connMu      sync.Mutex
	connections map[*websocket.Conn]struct{}

	failureCount int64

	classifier *classifier.Classifier
}

// New constructs a Supervisor. cls may be nil in tests that don't care
// about fatal-error reporting; production callers always pass the
// shared classifier so a stop that can't fully tear down the browser
// is reported as a fatal resource error (§4.2).
func New(cfg Config, cls *classifier.Classifier) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		state:       StateIdle,
		connections: make(map[*websocket.Conn]struct{}),
		classifier:  cls,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the browser, retrying the whole sequence up to
// maxRetries times with exponential backoff, and returns its browser-level
// WebSocket debugger URL.
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == StateStarting {
		s.mu.Unlock()
		return "", fmt.Errorf("browser supervisor: start already in progress")
	}
	s.state = StateStarting
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.setState(StateIdle)
				return "", ctx.Err()
			}
		}

		url, err := s.attemptStart(ctx)
		if err == nil {
			s.mu.Lock()
			s.state = StateRunning
			s.debuggerURL = url
			s.failureCount = 0
			s.mu.Unlock()
			return url, nil
		}

		lastErr = err
		s.failureCount++
		s.forceCleanup()
	}

	s.setState(StateIdle)
	return "", fmt.Errorf("browser supervisor: exhausted %d start attempts: %w", maxRetries, lastErr)
}

func (s *Supervisor) attemptStart(ctx context.Context) (string, error) {
	port := s.cfg.Port
	if port == 0 {
		freePort, err := findFreePort()
		if err != nil {
			return "", fmt.Errorf("selecting free port: %w", err)
		}
		port = freePort
	}

	killProcessOnPort(port)

	profileDir, err := os.MkdirTemp("", "cdp-proxy-profile-*")
	if err != nil {
		return "", fmt.Errorf("creating profile dir: %w", err)
	}

	args := chromeFlags(port, profileDir)
	binary := s.binaryPath()

	cmd := exec.CommandContext(ctx, binary, args...)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(profileDir)
		return "", fmt.Errorf("starting browser process: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.port = port
	s.profileDir = profileDir
	s.mu.Unlock()

	pollCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url, err := s.pollForReady(pollCtx, port)
	if err != nil {
		return "", err
	}
	return url, nil
}

// chromeFlags is the fixed flag set §4.2 requires: headless, remote
// debugging on the given port, sandboxing disabled, automation enabled.
func chromeFlags(port int, profileDir string) []string {
	return []string{
		"--headless=new",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--remote-debugging-address=127.0.0.1",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--enable-automation",
		"--no-first-run",
		"--no-default-browser-check",
		fmt.Sprintf("--user-data-dir=%s", profileDir),
		"about:blank",
	}
}

func (s *Supervisor) binaryPath() string {
	if s.cfg.ExecutablePath != "" {
		return s.cfg.ExecutablePath
	}
	return "google-chrome"
}

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (s *Supervisor) pollForReady(ctx context.Context, port int) (string, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	endpoint := fmt.Sprintf("http://localhost:%d/json/version", port)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		resp, err := client.Get(endpoint)
		if err == nil {
			var v versionInfo
			decodeErr := json.NewDecoder(resp.Body).Decode(&v)
			resp.Body.Close()
			if decodeErr == nil && browserWSURLPattern.MatchString(v.WebSocketDebuggerURL) {
				return v.WebSocketDebuggerURL, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetWebSocketURL re-reads /json/version and returns the current debugger
// URL, used when a client connects directly to /devtools/browser/*.
func (s *Supervisor) GetWebSocketURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == 0 {
		return "", fmt.Errorf("browser supervisor: not running")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%d/json/version", port), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var v versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", err
	}
	return v.WebSocketDebuggerURL, nil
}

// DebugPort returns the port the browser is listening on.
func (s *Supervisor) DebugPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// RegisterConnection tracks a client-facing WebSocket so Stop can close it.
func (s *Supervisor) RegisterConnection(ws *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections[ws] = struct{}{}
}

// UnregisterConnection removes a tracked client-facing WebSocket.
func (s *Supervisor) UnregisterConnection(ws *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.connections, ws)
}

// Count returns the number of tracked client-facing connections.
func (s *Supervisor) Count() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.connections)
}

// IsKilling reports whether teardown is in progress, so callers (the
// relay) can silence expected browser-side close/error events.
func (s *Supervisor) IsKilling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateKilling
}

// Stop idempotently tears the browser down: close tracked client sockets,
// signal the browser, remove temp files, then force-kill. A failure to
// kill the process or to remove its temp profile after retries is
// reported as a fatal resource error (§4.2: threshold 1, non-recoverable)
// in addition to being returned, so the classifier's own exitFunc takes
// the process down even if a caller ignores the returned error.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateKilling || s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateKilling
	s.mu.Unlock()

	s.closeTrackedConnections()

	s.mu.Lock()
	cmd := s.cmd
	profileDir := s.profileDir
	s.mu.Unlock()

	var failures []string

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			if err := cmd.Process.Kill(); err != nil {
				failures = append(failures, fmt.Sprintf("killing browser process: %v", err))
			}
			<-done
		}
	}

	if profileDir != "" {
		if err := removeWithRetry(profileDir); err != nil {
			failures = append(failures, fmt.Sprintf("removing profile dir %s: %v", profileDir, err))
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.cmd = nil
	s.port = 0
	s.debuggerURL = ""
	s.profileDir = ""
	s.mu.Unlock()

	if len(failures) == 0 {
		return nil
	}

	message := fmt.Sprintf("browser teardown failed: %s", strings.Join(failures, "; "))
	if s.classifier != nil {
		cerr := classifier.New(classifier.KindResource, 1500, message, false)
		s.classifier.Handle(cerr, "")
	}
	return fmt.Errorf("browser supervisor: %s", message)
}

func (s *Supervisor) closeTrackedConnections() {
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "browser shutting down"),
				time.Now().Add(stopConnGrace))
			_ = c.Close()
		}(c)
	}
	wg.Wait()
}

// forceCleanup is invoked on a failed start attempt: kill the process if
// any, kill anything bound to the port, close connections, wipe temp
// files.
func (s *Supervisor) forceCleanup() {
	s.mu.Lock()
	cmd := s.cmd
	port := s.port
	profileDir := s.profileDir
	s.cmd = nil
	s.port = 0
	s.profileDir = ""
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
	if port != 0 {
		killProcessOnPort(port)
	}
	s.closeTrackedConnections()
	if profileDir != "" {
		_ = removeWithRetry(profileDir)
	}
}

func removeWithRetry(dir string) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = os.RemoveAll(dir); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// killProcessOnPort is best-effort and OS-specific; on non-Linux/Darwin
// targets it is a no-op.
func killProcessOnPort(port int) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return
	}
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return
	}
	for _, line := range splitLines(out) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		p, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		_ = p.Kill()
	}
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' {
			if i > start {
				lines = append(lines, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}
