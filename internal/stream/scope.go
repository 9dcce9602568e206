// Package stream owns the exchange websocket sessions: the shared market
// session, one private session per user, and the supervisor that recreates
// them.
package stream

import (
	"errors"
	"strconv"
)

var (
	// ErrNotConnected is returned when a scope has no live session.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrClosed is returned after DisconnectAll.
	ErrClosed = errors.New("stream: supervisor closed")
	// ErrIdleTimeout ends a session that received no traffic for too long.
	ErrIdleTimeout = errors.New("stream: idle timeout")
	// ErrStale ends a session recycled by the health scan.
	ErrStale = errors.New("stream: session stale")
)

// ScopeKind distinguishes the market session from per-user sessions.
type ScopeKind string

const (
	ScopeMarket ScopeKind = "market"
	ScopeUser   ScopeKind = "user"
)

// Scope identifies who owns a session.
type Scope struct {
	Kind   ScopeKind
	UserID int64
}

// MarketScope is the process-wide market data scope.
func MarketScope() Scope { return Scope{Kind: ScopeMarket} }

// UserScope is the private scope of one user.
func UserScope(userID int64) Scope { return Scope{Kind: ScopeUser, UserID: userID} }

func (s Scope) String() string {
	if s.Kind == ScopeUser {
		return "user:" + strconv.FormatInt(s.UserID, 10)
	}
	return string(s.Kind)
}
