package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/dues-engine/dues"
)

var errBadToken = fmt.Errorf("%w: invalid bearer token", dues.ErrUnauthorized)

// Claims is the token payload. Subject is the member ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves the calling actor from an HS256 bearer token.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for actor. Used by tooling and tests.
func (a *Authenticator) Issue(actor dues.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor.ID),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns its actor.
func (a *Authenticator) Parse(token string) (dues.Actor, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return dues.Actor{}, err
	}
	if claims.Subject == "" {
		return dues.Actor{}, errors.New("token has no subject")
	}
	role := dues.Role(claims.Role)
	switch role {
	case dues.RoleMember, dues.RoleAdmin, dues.RoleGuest:
	default:
		// system is reserved for in-process sweeps
		return dues.Actor{}, fmt.Errorf("role %q not allowed in tokens", claims.Role)
	}
	return dues.Actor{ID: dues.MemberID(claims.Subject), Role: role}, nil
}

// Middleware attaches the actor of a valid bearer token to the request
// context. Requests without a token pass through anonymous and are refused
// by the engine on writes. A malformed or expired token is rejected here.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeResult(w, http.StatusUnauthorized, dues.NewResult[any](nil, errBadToken))
			return
		}
		actor, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			writeResult(w, http.StatusUnauthorized, dues.NewResult[any](nil, errBadToken))
			return
		}
		next.ServeHTTP(w, r.WithContext(dues.WithActor(r.Context(), actor)))
	})
}
