// Package api exposes a read-only operational status endpoint.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"rebound-trader/pkg/db"
)

// Server serves /healthz and /status.
type Server struct {
	store  *db.Database
	userID int64
	start  time.Time

	mu        sync.Mutex
	lastLong  time.Time
	lastShort time.Time
}

// New builds the status server.
func New(store *db.Database, userID int64) *Server {
	return &Server{store: store, userID: userID, start: time.Now()}
}

// MarkLongPass records completion of a long-cadence pass.
func (s *Server) MarkLongPass() {
	s.mu.Lock()
	s.lastLong = time.Now().UTC()
	s.mu.Unlock()
}

// MarkShortPass records completion of a reconciliation pass.
func (s *Server) MarkShortPass() {
	s.mu.Lock()
	s.lastShort = time.Now().UTC()
	s.mu.Unlock()
}

// Router builds the gin handler.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", s.handleStatus)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	s.mu.Lock()
	lastLong, lastShort := s.lastLong, s.lastShort
	s.mu.Unlock()

	tickers, err := s.store.TradableTickers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	activeOrders := 0
	if accountID, err := s.store.Account(ctx, s.userID); err == nil && accountID != "" {
		if ids, err := s.store.ActiveOrders(ctx, accountID); err == nil {
			activeOrders = len(ids)
		}
	}

	openDeals, err := s.store.CountOpenDeals(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime":           time.Since(s.start).Truncate(time.Second).String(),
		"last_long_pass":   formatPass(lastLong),
		"last_short_pass":  formatPass(lastShort),
		"tradable_tickers": len(tickers),
		"active_orders":    activeOrders,
		"open_deals":       openDeals,
	})
}

func formatPass(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
