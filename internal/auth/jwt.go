package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SignedTokenVerifier implements the signed-token auth mode: the Client
// presents `Authorization: Bearer <token>` on the ingress WebSocket
// upgrade, where the token is signed with Secret using one of Algorithms
// and carries `sub` (must equal the URL's connection id) and `exp`
// (spec.md §6). Algorithms is plural, matching
// original_source/pipegate/schemas.py's `Settings.jwt_algorithms: list[str]`
// — an allowlist, not a single hardcoded algorithm.
type SignedTokenVerifier struct {
	Secret     []byte
	Algorithms []string
}

// NewSignedTokenVerifier constructs a SignedTokenVerifier. algorithms
// defaults to HS256 if empty.
func NewSignedTokenVerifier(secret []byte, algorithms []string) *SignedTokenVerifier {
	if len(algorithms) == 0 {
		algorithms = []string{"HS256"}
	}
	return &SignedTokenVerifier{Secret: secret, Algorithms: algorithms}
}

// jwtPayload mirrors original_source/pipegate/schemas.py's JWTPayload:
// sub is the connection id the token authorizes, exp its expiry.
type jwtPayload struct {
	jwt.RegisteredClaims
}

// Verify parses the bearer token from the Authorization header,
// validates its signature against one of the configured algorithms, and
// checks that its subject equals connectionID. An expired token, a bad
// signature, or a subject mismatch all return ErrInvalidCredential; a
// missing header returns ErrMissingCredential.
func (v *SignedTokenVerifier) Verify(r *http.Request, connectionID string) error {
	token, ok := bearerToken(r)
	if !ok {
		return ErrMissingCredential
	}

	claims := &jwtPayload{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	}, jwt.WithValidMethods(v.Algorithms))
	if err != nil || !parsed.Valid {
		return ErrInvalidCredential
	}

	if claims.Subject != connectionID {
		return ErrInvalidCredential
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
