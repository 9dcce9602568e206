// Package httpserver exposes the read-only tradepilot status surface.
package httpserver

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradepilot/internal/market"
	"github.com/coachpo/tradepilot/internal/orders"
	"github.com/coachpo/tradepilot/internal/stream"
	"github.com/coachpo/tradepilot/internal/trading"
)

const (
	healthPath   = "/healthz"
	sessionsPath = "/sessions"
	quotesPath   = "/quotes/{symbol}"
	enginesPath  = "/engines"
	balancesPath = "/balances/{userID}"
)

// Sessions lists live websocket sessions.
type Sessions interface {
	Sessions() []stream.SessionInfo
	Connected(scope stream.Scope) bool
}

// Quotes reads cached market data.
type Quotes interface {
	Get(symbol string) (market.Quote, bool)
	LastTrade(symbol string) (market.Trade, bool)
}

// Directions reads price direction snapshots.
type Directions interface {
	Snapshot(symbol string) (market.Direction, bool)
}

// Engines lists running trading loops.
type Engines interface {
	Engines() []trading.Status
}

// Balances reads pushed account balances.
type Balances interface {
	Get(userID int64) []orders.Balance
}

// Backlog reports queued items such as undelivered notifications.
type Backlog interface {
	Len() int
}

// Deps are the read models served by the handler. Nil members answer with
// empty results.
type Deps struct {
	Sessions    Sessions
	Quotes      Quotes
	Directions  Directions
	Engines     Engines
	Balances    Balances
	DeadLetters Backlog
	// MarketWanted makes /healthz report degraded while the market session is down.
	MarketWanted bool
	Clock        func() time.Time
}

type httpServer struct {
	deps Deps
}

// QuoteView combines the cached quote, last trade and direction of a symbol.
type QuoteView struct {
	Symbol    string            `json:"symbol"`
	Quote     *market.Quote     `json:"quote,omitempty"`
	LastTrade *market.Trade     `json:"lastTrade,omitempty"`
	Direction *market.Direction `json:"direction,omitempty"`
}

// NewHandler creates the status handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()
	mux.Handle(healthPath, getOnly(server.health))
	mux.Handle(sessionsPath, getOnly(server.sessions))
	mux.Handle(quotesPath, getOnly(server.quote))
	mux.Handle(enginesPath, getOnly(server.engines))
	mux.Handle(balancesPath, getOnly(server.balances))
	return withCORS(mux)
}

func getOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		fn(w, r)
	})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	marketUp := false
	users := 0
	if s.deps.Sessions != nil {
		marketUp = s.deps.Sessions.Connected(stream.MarketScope())
		for _, info := range s.deps.Sessions.Sessions() {
			if info.Scope == string(stream.ScopeUser) {
				users++
			}
		}
	}
	engines := 0
	if s.deps.Engines != nil {
		engines = len(s.deps.Engines.Engines())
	}
	undelivered := 0
	if s.deps.DeadLetters != nil {
		undelivered = s.deps.DeadLetters.Len()
	}
	status, code := "ok", http.StatusOK
	if s.deps.MarketWanted && !marketUp {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"time":            s.deps.Clock().UTC(),
		"marketConnected": marketUp,
		"userSessions":    users,
		"engines":         engines,
		"undelivered":     undelivered,
	})
}

func (s *httpServer) sessions(w http.ResponseWriter, _ *http.Request) {
	sessions := []stream.SessionInfo{}
	if s.deps.Sessions != nil {
		sessions = s.deps.Sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *httpServer) quote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	if symbol == "" {
		writeError(w, http.StatusNotFound, "symbol required")
		return
	}
	view := QuoteView{Symbol: symbol}
	if s.deps.Quotes != nil {
		if q, ok := s.deps.Quotes.Get(symbol); ok {
			view.Quote = &q
		}
		if t, ok := s.deps.Quotes.LastTrade(symbol); ok {
			view.LastTrade = &t
		}
	}
	if s.deps.Directions != nil {
		if d, ok := s.deps.Directions.Snapshot(symbol); ok {
			view.Direction = &d
		}
	}
	if view.Quote == nil && view.LastTrade == nil && view.Direction == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no market data for %s", symbol))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) engines(w http.ResponseWriter, _ *http.Request) {
	engines := []trading.Status{}
	if s.deps.Engines != nil {
		engines = s.deps.Engines.Engines()
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": engines})
}

func (s *httpServer) balances(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	balances := []orders.Balance{}
	if s.deps.Balances != nil {
		balances = s.deps.Balances.Get(userID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "balances": balances})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprintf(w, "encode response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bytes.TrimRight(buf.Bytes(), "\n"))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
