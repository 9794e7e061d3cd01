package worker

import "crypto/subtle"

// Authenticator checks a client-supplied shared secret. A worker with
// no configured secret accepts every connection, matching an unauthenticated
// deployment.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator over secret. An empty secret
// disables the check.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: append([]byte(nil), secret...)}
}

// Authenticate reports whether supplied matches the configured secret.
// Comparison is constant-time so a timing side channel can't leak how many
// leading bytes of a guess were correct.
func (a *Authenticator) Authenticate(supplied []byte) bool {
	if len(a.secret) == 0 {
		return true
	}
	return subtle.ConstantTimeCompare(a.secret, supplied) == 1
}
