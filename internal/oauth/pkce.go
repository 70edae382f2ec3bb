package oauth

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"

	"github.com/keyhold/server/internal/model"
)

// RFC 7636 section 4.1: 43-128 unreserved characters
var pkcePattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// normalizeChallenge applies the authorize-time PKCE rules and returns the
// method to bind. An empty challenge and method means no PKCE.
func normalizeChallenge(challenge, method string) (string, *Error) {
	if challenge == "" {
		if method != "" {
			return "", invalidRequest("code_challenge_method requires code_challenge")
		}
		return "", nil
	}
	if method == "" {
		method = model.ChallengeS256
	}
	if method != model.ChallengeS256 && method != model.ChallengePlain {
		return "", invalidRequest("code_challenge_method must be S256 or plain")
	}
	if !pkcePattern.MatchString(challenge) {
		return "", invalidRequest("code_challenge is malformed")
	}
	return method, nil
}

// verifyPKCE checks a token-time verifier against the bound challenge
func verifyPKCE(method, challenge, verifier string) bool {
	if !pkcePattern.MatchString(verifier) {
		return false
	}
	var computed string
	switch method {
	case model.ChallengeS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case model.ChallengePlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
