// Package classifier implements the proxy's single error-handling choke
// point: every component reports failures here with a kind and a
// recoverable flag, and the classifier decides whether a pathological
// error rate should take the process down.
package classifier

import (
	"log"
	"os"
	"regexp"
	"sync"
)

// Kind tags the taxonomy of §7.
type Kind string

const (
	KindConnection Kind = "connection"
	KindProtocol   Kind = "protocol"
	KindValidation Kind = "validation"
	KindResource   Kind = "resource"
	KindPlugin     Kind = "plugin"
)

// thresholds mirrors §3's per-kind counter thresholds.
var thresholds = map[Kind]int64{
	KindConnection: 3,
	KindProtocol:   5,
	KindValidation: 10,
	KindResource:   1,
	KindPlugin:     3,
}

// Error is the classifier's tagged error value.
type Error struct {
	Kind        Kind
	Code        int
	Message     string
	Details     string
	Recoverable bool
}

func (e *Error) Error() string { return e.Message }

// New constructs a classified error.
func New(kind Kind, code int, message string, recoverable bool) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Recoverable: recoverable}
}

// disconnectionPattern matches error text that is just a connection
// tearing down normally; these are downgraded to debug traces and never
// counted, per §4.1.
var disconnectionPattern = regexp.MustCompile(`(?i)disconnected|unexpected eof|connection.*closed`)

// exitFunc is overridable in tests so a fatal classification doesn't kill
// the test binary.
var exitFunc = os.Exit

type counterKey struct {
	session string
	kind    Kind
}

// Classifier tracks per-(session,kind) error counters and decides
// recoverable vs. fatal.
type Classifier struct {
	mu       sync.Mutex
	counters map[counterKey]int64
}

// NewClassifier constructs an empty Classifier.
func NewClassifier() *Classifier {
	return &Classifier{counters: make(map[counterKey]int64)}
}

// Handle records err against sessionID (or the "global" bucket when
// sessionID is empty) and, if the error is fatal, terminates the process.
// Recovery itself is always left to the caller.
func (c *Classifier) Handle(err *Error, sessionID string) {
	if err == nil {
		return
	}

	if disconnectionPattern.MatchString(err.Message) && err.Kind == KindConnection {
		log.Printf("debug: connection trace (session=%s): %s", sessionOrGlobal(sessionID), err.Message)
		return
	}

	count := c.increment(sessionID, err.Kind)

	if err.Recoverable {
		log.Printf("recoverable %s error (session=%s, count=%d): %s", err.Kind, sessionOrGlobal(sessionID), count, err.Message)
		return
	}

	if count < thresholds[err.Kind] {
		log.Printf("non-recoverable %s error below threshold (session=%s, count=%d/%d): %s",
			err.Kind, sessionOrGlobal(sessionID), count, thresholds[err.Kind], err.Message)
		return
	}

	log.Printf("fatal %s error (session=%s, count=%d): %s", err.Kind, sessionOrGlobal(sessionID), count, err.Message)
	exitFunc(1)
}

// Count returns the current counter for (sessionID, kind).
func (c *Classifier) Count(kind Kind, sessionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[counterKey{session: sessionOrGlobal(sessionID), kind: kind}]
}

// Clear resets every counter for a session, called on session teardown.
func (c *Classifier) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.counters {
		if key.session == sessionOrGlobal(sessionID) {
			delete(c.counters, key)
		}
	}
}

func (c *Classifier) increment(sessionID string, kind Kind) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := counterKey{session: sessionOrGlobal(sessionID), kind: kind}
	c.counters[key]++
	return c.counters[key]
}

func sessionOrGlobal(sessionID string) string {
	if sessionID == "" {
		return "global"
	}
	return sessionID
}
