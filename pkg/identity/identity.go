// Package identity verifies the bearer token a scanning device presents on
// behalf of a marker (a teacher or proctor). It is ambient gateway
// infrastructure, not a login/session feature: the core never imports this
// package, it only ever receives an already-resolved markerId string.
package identity

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	appErrors "github.com/eduforge/timetable-core/pkg/errors"
	"github.com/eduforge/timetable-core/pkg/response"
)

// ContextMarkerKey is the gin context key storing the resolved marker claims.
const ContextMarkerKey = "marker"

// MarkerClaims identifies the teacher or proctor operating a scanning
// device. It carries no session state of its own; the secret and expiry
// are managed entirely by whatever issued the token upstream of this
// service.
type MarkerClaims struct {
	MarkerID string `json:"marker_id"`
	jwt.RegisteredClaims
}

// Verifier parses and validates marker bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates tokenString and returns the embedded marker claims.
func (v *Verifier) Parse(tokenString string) (*MarkerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &MarkerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid marker token")
	}

	claims, ok := token.Claims.(*MarkerClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid marker token claims")
	}

	return claims, nil
}

// RequireMarker is gin middleware that rejects requests without a valid
// marker bearer token and stores the resolved claims in the context.
func RequireMarker(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := verifier.Parse(parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextMarkerKey, claims)
		c.Next()
	}
}

// MarkerID extracts the resolved marker ID from the gin context, set by
// RequireMarker.
func MarkerID(c *gin.Context) (string, bool) {
	value, ok := c.Get(ContextMarkerKey)
	if !ok {
		return "", false
	}
	claims, ok := value.(*MarkerClaims)
	if !ok {
		return "", false
	}
	return claims.MarkerID, true
}
