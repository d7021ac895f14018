package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hotelbooking/internal/config"
	"hotelbooking/internal/service"

	jwt "github.com/golang-jwt/jwt/v5"
)

const roleStaff = "staff"

// Claims are issued by the external identity service. Sub carries the numeric guest id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityVerifier turns bearer tokens into actors.
type IdentityVerifier struct {
	secret []byte
	issuer string
}

func NewIdentityVerifier(cfg config.IdentityConfig) (*IdentityVerifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("identity: empty jwt secret")
	}
	return &IdentityVerifier{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}, nil
}

func (v *IdentityVerifier) Verify(tokenStr string) (service.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	t, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return service.Actor{}, err
	}
	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return service.Actor{}, errors.New("invalid token")
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return service.Actor{}, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return service.Actor{ID: id, Staff: claims.Role == roleStaff}, nil
}

type actorKey struct{}

func withActor(ctx context.Context, a service.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) (service.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(service.Actor)
	return a, ok
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
