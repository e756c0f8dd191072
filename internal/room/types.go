package room

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Errors
var (
	ErrAuthRequired    = errors.New("room requires authentication")
	ErrAccessDenied    = errors.New("access to room denied")
	ErrRoomFull        = errors.New("room at connection capacity")
	ErrInvalidRoomName = errors.New("invalid room name")
)

// Kind classifies a room and fixes its auth requirement.
type Kind string

const (
	KindPublic    Kind = "public"
	KindPrincipal Kind = "principal-scoped"
	KindResource  Kind = "resource-scoped"
	KindSystem    Kind = "system"
)

// RequiresAuth reports whether rooms of this kind need an authenticated
// connection. Public and system rooms never do; everything else does.
func (k Kind) RequiresAuth() bool {
	return k != KindPublic && k != KindSystem
}

// Prefix table for kind detection. This is a stable external contract:
// producers and clients both derive room names from it.
var kindByPrefix = map[string]Kind{
	"market":     KindPublic,
	"system":     KindSystem,
	"user":       KindPrincipal,
	"wallet":     KindResource,
	"automation": KindResource,
}

// DetectKind infers a room's kind from its type prefix. Unknown prefixes
// default to principal-scoped, the most restrictive non-system kind.
func DetectKind(name string) Kind {
	prefix, _, ok := strings.Cut(name, ":")
	if !ok {
		return KindPrincipal
	}
	if k, ok := kindByPrefix[prefix]; ok {
		return k
	}
	return KindPrincipal
}

// MaxNameLength bounds room names.
const MaxNameLength = 100

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+:[A-Za-z0-9_-]+$`)

// ValidName reports whether name matches the type:identifier pattern and
// length bound.
func ValidName(name string) bool {
	return len(name) <= MaxNameLength && namePattern.MatchString(name)
}

// Config holds optional per-room settings for explicit creation.
type Config struct {
	Kind           Kind // Zero value: infer from the name prefix
	MaxConnections int  // Zero: unlimited
}

// Member is the view of a connection the registry needs for authorization.
// Implemented by session.Conn.
type Member interface {
	ID() string
	IsAuthenticated() bool
	Principal() string
}

// Authorizer decides whether a principal may join a non-public room.
// The entitlement source is external to the hub.
type Authorizer interface {
	CanAccess(principal, roomName string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(principal, roomName string) bool

// CanAccess calls f.
func (f AuthorizerFunc) CanAccess(principal, roomName string) bool {
	return f(principal, roomName)
}

// OwnerAuthorizer entitles principals to their own user: room and leaves
// resource-scoped rooms open to any authenticated principal. Deployments
// with a real entitlement store inject their own Authorizer instead.
func OwnerAuthorizer() Authorizer {
	return AuthorizerFunc(func(principal, roomName string) bool {
		prefix, id, ok := strings.Cut(roomName, ":")
		if !ok {
			return false
		}
		if prefix == "user" {
			return id == principal
		}
		return true
	})
}

// Stats is a read-only snapshot of one room.
type Stats struct {
	Name           string
	Kind           Kind
	RequiresAuth   bool
	MemberCount    int
	MaxConnections int
	CreatedAt      time.Time
	LastActivityAt time.Time
}
