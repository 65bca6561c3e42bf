package hub

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"tradelive/tools/security"
)

// TokenVerifier turns an access token into a verified identity. The JWT
// implementation lives in tools/security; tests stub it.
type TokenVerifier interface {
	Verify(token string) (*security.Identity, error)
}

// JWTVerifier verifies HMAC-signed access tokens.
type JWTVerifier struct {
	Opts security.Options
}

func (v *JWTVerifier) Verify(token string) (*security.Identity, error) {
	return security.VerifyAccessToken(v.Opts, token)
}

// AuthMode selects the handshake strategy at configuration time.
type AuthMode string

const (
	// AuthModeQuery verifies a token query parameter before the upgrade.
	// Kept for older clients; it leaks tokens into intermediate access logs.
	AuthModeQuery AuthMode = "query"
	// AuthModeInband accepts the upgrade unconditionally and waits for an
	// authenticate frame under a deadline. Preferred.
	AuthModeInband AuthMode = "inband"
)

// Handshake is the mode-selected strategy: PreUpgrade runs before the
// transport upgrade, Inband reports whether the authenticate frame is still
// expected afterwards. No mode branching happens anywhere else.
type Handshake interface {
	PreUpgrade(r *http.Request) (*security.Identity, error)
	Inband() bool
}

type queryHandshake struct {
	verifier TokenVerifier
}

func (h *queryHandshake) PreUpgrade(r *http.Request) (*security.Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return nil, errors.New("missing token parameter")
	}
	return h.verifier.Verify(token)
}

func (h *queryHandshake) Inband() bool { return false }

type inbandHandshake struct{}

func (inbandHandshake) PreUpgrade(*http.Request) (*security.Identity, error) { return nil, nil }
func (inbandHandshake) Inband() bool                                         { return true }

// NewHandshake resolves the configured mode. Unknown values fall back to
// in-band.
func NewHandshake(mode AuthMode, verifier TokenVerifier) Handshake {
	if mode == AuthModeQuery {
		return &queryHandshake{verifier: verifier}
	}
	return inbandHandshake{}
}
