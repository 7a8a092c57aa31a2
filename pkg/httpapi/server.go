// Package httpapi wires the entitlement core's components to HTTP, the
// way the teacher's pkg/api package wires orders/merchants/events to its
// ServeMux: plain net/http handlers, no framework, a package-level CORS
// wrapper, and swagger mounted alongside the routes.
package httpapi

import (
	"database/sql"
	"net/http"
	"strings"
	"sync"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/rs/zerolog"

	"github.com/vanloc1808/arcana-entitlement/pkg/gate"
	"github.com/vanloc1808/arcana-entitlement/pkg/payment"
	"github.com/vanloc1808/arcana-entitlement/pkg/ratelimit"
	"github.com/vanloc1808/arcana-entitlement/pkg/tasks"
)

// recentTxWindow is how long a tx hash short-circuits a resubmission at the
// HTTP layer before falling through to the Applier again. Distinct from,
// and in addition to, the Applier's durable Duplicate state: this avoids a
// redundant chain RPC round trip for a client retrying the same submission
// within a couple of minutes.
const recentTxWindow = 2 * time.Minute

// recentTxCache is the in-process dedupe map, grounded on the teacher's
// recentTx/recentTxMu pair in pkg/api/events.go.
type recentTxCache struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func newRecentTxCache() *recentTxCache {
	return &recentTxCache{seen: make(map[string]time.Time)}
}

func (c *recentTxCache) recentlySeen(txHash string) bool {
	key := strings.ToLower(txHash)
	c.mu.RLock()
	t, ok := c.seen[key]
	c.mu.RUnlock()
	return ok && time.Since(t) < recentTxWindow
}

func (c *recentTxCache) mark(txHash string) {
	c.mu.Lock()
	c.seen[strings.ToLower(txHash)] = time.Now()
	c.mu.Unlock()
}

// Server bundles every collaborator an HTTP handler needs.
type Server struct {
	db       *sql.DB
	gate     *gate.Gate
	applier  *payment.Applier
	tasks    *tasks.Manager
	limiter  *ratelimit.Limiter
	recentTx *recentTxCache
	log      zerolog.Logger
}

// New builds a Server over its collaborators.
func New(db *sql.DB, g *gate.Gate, applier *payment.Applier, tm *tasks.Manager, limiter *ratelimit.Limiter, log zerolog.Logger) *Server {
	return &Server{
		db: db, gate: g, applier: applier, tasks: tm, limiter: limiter,
		recentTx: newRecentTxCache(),
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

// Handler builds the full route tree wrapped in CORS, ready to pass to
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	mux.Handle("/swagger/", httpSwagger.WrapHandler)

	mux.HandleFunc("/reading", s.rateLimitMiddleware(ratelimit.ClassTarot, s.authMiddleware(s.ReadingHandler)))
	mux.HandleFunc("/payments/submit", s.rateLimitMiddleware(ratelimit.ClassDefault, s.authMiddleware(s.SubmitPaymentHandler)))

	mux.HandleFunc("/tasks/status/", s.authMiddleware(s.TaskStatusHandler))
	mux.HandleFunc("/tasks/cancel/", s.authMiddleware(s.TaskCancelHandler))
	mux.HandleFunc("/tasks/active", s.authMiddleware(s.TaskActiveHandler))
	mux.HandleFunc("/tasks/workers", s.authMiddleware(s.TaskWorkersHandler))

	return corsMiddleware(mux)
}
