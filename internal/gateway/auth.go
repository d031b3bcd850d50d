package gateway

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/soyeahso/tokengate/internal/config"
)

// ResolvedAuth holds the resolved bearer-token credential for the gateway.
// An empty token disables authentication, which is only sane on loopback.
type ResolvedAuth struct {
	Token string
}

// ResolveAuth resolves the gateway token from config and environment.
// Precedence: config value → env variable → empty.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("TOKENGATE_GATEWAY_TOKEN")
	}
	return ResolvedAuth{Token: token}
}

// Enabled reports whether requests must present a credential.
func (a ResolvedAuth) Enabled() bool { return a.Token != "" }

// Authorize checks the request's bearer token. The token is accepted from
// the Authorization header or, for WebSocket clients that cannot set
// headers, the access_token query parameter.
func (a ResolvedAuth) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}

	presented := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("access_token"); q != "" {
		presented = q
	}
	return safeEqual(presented, a.Token)
}

// safeEqual performs a constant-time string comparison to prevent timing
// attacks. It avoids early-return on length mismatch to prevent leaking
// secret length via timing.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
