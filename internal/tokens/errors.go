package tokens

import "errors"

var (
	// ErrInvalidToken indicates a bad signature, wrong token type, or
	// malformed claims. Terminal: the caller must re-authenticate.
	ErrInvalidToken = errors.New("tokens: invalid token")

	// ErrTokenExpired indicates the token's lifetime has passed. Terminal.
	ErrTokenExpired = errors.New("tokens: token expired")

	// ErrSecurityBreach indicates a refresh token was presented after it had
	// already been exchanged. The whole token family is revoked as a side
	// effect; callers must surface this distinctly from ErrInvalidToken.
	ErrSecurityBreach = errors.New("tokens: refresh token reuse detected")

	// ErrInvalidInput indicates the caller supplied an unusable argument.
	ErrInvalidInput = errors.New("tokens: invalid input")
)
