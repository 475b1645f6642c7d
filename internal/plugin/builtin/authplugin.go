package builtin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wallcrawler/cdp-proxy/internal/cdpmsg"
	"github.com/wallcrawler/cdp-proxy/internal/plugin"
)

// authPluginEnabled mirrors the spec's ".disabled." filename convention in
// a statically linked target (D.2): disabled by default because client
// authentication is an explicit Non-goal of the core (§1). It exists only
// to give the teacher's golang-jwt dependency a concrete optional home.
const authPluginEnabled = false

func init() {
	plugin.Add(plugin.Factory{
		Name:    "session-auth-stamp",
		Enabled: authPluginEnabled,
		Build:   newAuthStamp,
	})
}

// authSigningKey mirrors the teacher's GetJWTSecretKey
// (internal/utils/jwt.go) without the AWS Secrets Manager round trip — a
// fixed key is out of scope for a disabled-by-default example plugin.
var authSigningKey = []byte("cdp-proxy-example-signing-key")

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
}

// authStamp mints a signed JWT the first time it sees a request for a
// session and emits it to the client as a synthetic event, mirroring the
// teacher's validateToken (packages/infra/browser-container/session_manager.go)
// run in reverse: mint instead of validate.
type authStamp struct {
	self *plugin.Plugin

	mu     sync.Mutex
	issued map[string]bool
}

func newAuthStamp() *plugin.Plugin {
	a := &authStamp{issued: make(map[string]bool)}
	p := &plugin.Plugin{
		Name:      "session-auth-stamp",
		OnRequest: a.onRequest,
	}
	a.self = p
	return p
}

func (a *authStamp) onRequest(ctx context.Context, sessionID string, msg *cdpmsg.Message) (*cdpmsg.Message, error) {
	if a.alreadyIssued(sessionID) {
		return msg, nil
	}

	token, err := a.mintToken(sessionID)
	if err != nil {
		return msg, err
	}

	params, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return msg, err
	}

	if a.self.EmitClientEvent != nil {
		_ = a.self.EmitClientEvent(ctx, sessionID, &cdpmsg.Message{
			Method: "Proxy.sessionAuthIssued",
			Params: params,
		})
	}
	return msg, nil
}

func (a *authStamp) mintToken(sessionID string) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		SessionID: sessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authSigningKey)
}

func (a *authStamp) alreadyIssued(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.issued[sessionID] {
		return true
	}
	a.issued[sessionID] = true
	return false
}
