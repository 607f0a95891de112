// Package actor derives a caller identity from the request's authentication
// context, for audit attribution.
package actor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/haukh/idport/params"
)

var (
	ErrUnauthenticated = errors.New("request is not authenticated")
	ErrTokenInvalid    = errors.New("invalid token")
)

const (
	TypeUser      = "user"
	TypeService   = "service"
	TypeScheduler = "scheduler"
)

const localsKey = "idport_actor"

type Actor struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%s", a.Type, a.Subject)
}

// Scheduler is the system identity used by the sync poller.
func Scheduler() Actor {
	return Actor{Type: TypeScheduler, Subject: "sync-poller"}
}

// Resolver maps an inbound request to an actor: a bearer JWT identifies a
// human administrator, a configured API key identifies a service caller.
type Resolver struct {
	secret      []byte
	serviceKeys map[string]string // api key -> service name
}

func (r *Resolver) Resolve(c *fiber.Ctx) (Actor, error) {
	if apiKey := c.Get("X-Api-Key"); apiKey != "" {
		name, ok := r.serviceKeys[apiKey]
		if !ok {
			return Actor{}, ErrTokenInvalid
		}
		return Actor{Type: TypeService, Subject: name}, nil
	}

	authz := c.Get(fiber.HeaderAuthorization)
	if authz == "" {
		return Actor{}, ErrUnauthenticated
	}
	raw, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok {
		return Actor{}, ErrTokenInvalid
	}

	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return Actor{}, ErrTokenInvalid
	}
	return Actor{Type: TypeUser, Subject: claims.Subject}, nil
}

// IssueToken mints a short-lived bearer token for a human administrator,
// signed with the same key Resolve verifies against.
func (r *Resolver) IssueToken(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(params.ActorTokenExpiration)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// FromCtx returns the actor stored by the middleware.
func FromCtx(c *fiber.Ctx) Actor {
	if a, ok := c.Locals(localsKey).(Actor); ok {
		return a
	}
	return Actor{}
}

func StoreInCtx(c *fiber.Ctx, a Actor) {
	c.Locals(localsKey, a)
}

func NewResolver(masterKey string, serviceKeys map[string]string) *Resolver {
	return &Resolver{
		secret:      []byte(masterKey),
		serviceKeys: serviceKeys,
	}
}
