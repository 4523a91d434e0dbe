package marketchat

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenUserID extracts the numeric user ID from a session token's claims.
//
// The backend signs tokens with a server-side secret; the client has no
// business verifying the signature, it only needs the userId claim.
// Verification stays the server's job on every request.
func TokenUserID(token string) (int, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return 0, fmt.Errorf("cannot parse token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	for _, key := range []string{"userId", "id"} {
		if v, ok := claims[key]; ok {
			if f, ok := v.(float64); ok && f > 0 {
				return int(f), nil
			}
		}
	}
	return 0, fmt.Errorf("token carries no userId claim")
}
