package auth

import (
	"errors"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified caller attached to a request or websocket
// connection by the platform's auth service. This service trusts it and
// never issues or refreshes tokens itself.
type Identity struct {
	UserID int
	Role   string
}

// Verifier validates platform-issued HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and extracts the caller identity. The user id is
// carried in the `sub` claim, the platform role in `role`.
func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	userID, err := subjectID(claims)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	role, _ := claims["role"].(string)
	return Identity{UserID: userID, Role: role}, nil
}

func subjectID(claims jwt.MapClaims) (int, error) {
	switch sub := claims["sub"].(type) {
	case string:
		return strconv.Atoi(sub)
	case float64:
		return int(sub), nil
	default:
		return 0, ErrInvalidToken
	}
}
