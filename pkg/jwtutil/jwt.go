package jwtutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"gestio-core/internal/identity"
	"gestio-core/pkg/config"

	"github.com/golang-jwt/jwt/v4"
)

// DatabaseGrant is one tenant entry embedded in a credential: the tenant
// name and the role the holder has in it. The list is a snapshot taken at
// issuance; it is not re-derived per request, so a grant change becomes
// visible at the next login (staleness bounded by the token TTL).
type DatabaseGrant struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// UserClaims represents the JWT claims carried by issued credentials.
// Subject is "master" for the master identity, the user id otherwise.
type UserClaims struct {
	Username        string          `json:"username"`
	Role            string          `json:"role,omitempty"`
	Databases       []DatabaseGrant `json:"databases"`
	CurrentDatabase string          `json:"current_database,omitempty"`
	jwt.RegisteredClaims
}

// Identity rebuilds the tagged identity from the claims subject.
func (c *UserClaims) Identity() (identity.Identity, error) {
	if c.Subject == identity.MasterSubject {
		return identity.Master(), nil
	}
	id, err := strconv.ParseUint(c.Subject, 10, 32)
	if err != nil {
		return identity.Identity{}, errors.New("malformed token subject")
	}
	return identity.User(uint(id), c.Username), nil
}

// RoleFor returns the snapshot role the holder has in the named database.
func (c *UserClaims) RoleFor(database string) (string, bool) {
	for _, g := range c.Databases {
		if g.Name == database {
			return g.Role, true
		}
	}
	return "", false
}

// JWTUtil issues and verifies signed credentials
type JWTUtil struct {
	config *config.JWTConfig
}

// New creates a JWT utility with the given configuration
func New(cfg *config.JWTConfig) *JWTUtil {
	return &JWTUtil{config: cfg}
}

// Issue creates a signed, time-boxed credential for the identity with its
// tenant grant snapshot and currently selected database.
func (j *JWTUtil) Issue(ident identity.Identity, grants []DatabaseGrant, currentDatabase string) (string, error) {
	if j.config == nil {
		return "", errors.New("JWT configuration not provided")
	}

	role := roleFor(ident, grants, currentDatabase)
	now := time.Now()
	claims := UserClaims{
		Username:        ident.Username(),
		Role:            role,
		Databases:       grants,
		CurrentDatabase: currentDatabase,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.Subject(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(j.config.ExpirationHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.config.SigningKey))
}

// Validate verifies the signature and expiry and returns the claims.
// It performs no storage I/O; revocation is the session registry's job.
func (j *JWTUtil) Validate(tokenString string) (*UserClaims, error) {
	if j.config == nil {
		return nil, errors.New("JWT configuration not provided")
	}

	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(j.config.SigningKey), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrSignatureInvalid
}

// Fingerprint returns the deterministic digest of a credential used as the
// session registry lookup key. The same digest is stored at issuance.
func Fingerprint(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}

// role of the identity in the selected database; master is always admin
func roleFor(ident identity.Identity, grants []DatabaseGrant, current string) string {
	if ident.IsMaster() {
		return "admin"
	}
	for _, g := range grants {
		if g.Name == current {
			return g.Role
		}
	}
	return ""
}
