// Package api is the operator HTTP surface: health, status, the activity
// journal and loop control.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/newsletter-threader/internal/auth"
	"github.com/Martian-dev/newsletter-threader/internal/dedup"
	"github.com/Martian-dev/newsletter-threader/internal/eventstore/sqlite"
	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/session"
	"github.com/Martian-dev/newsletter-threader/internal/social"
)

type SessionInfo interface {
	State() session.State
	User() social.User
}

type LoopController interface {
	Running() []string
	Stop(name string) error
}

type Journal interface {
	ListEvents(ctx context.Context, eventType string, limit int) ([]sqlite.Event, error)
	CountEvents(ctx context.Context) (map[string]int64, error)
	PendingOutbox(ctx context.Context) (int64, error)
}

// Deps wires the router. Journal, Verifier and Operators are optional.
type Deps struct {
	Sessions  SessionInfo
	Loops     LoopController
	Journal   Journal
	Watermark dedup.Watermark
	Ledger    *dedup.Ledger
	Verifier  *auth.JWTVerifier
	Operators *auth.OperatorService
}

type StatusResponse struct {
	Session   string           `json:"session"`
	User      string           `json:"user,omitempty"`
	Watermark time.Time        `json:"watermark"`
	Handled   int              `json:"handled"`
	Loops     []string         `json:"loops"`
	Events    map[string]int64 `json:"events,omitempty"`
	Outbox    int64            `json:"outbox_pending"`
}

func NewRouter(deps Deps, log *zap.Logger) *gin.Engine {
	log = logging.Named(log, "api")

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(deps.Verifier, deps.Operators))

	authorized.GET("/status", func(c *gin.Context) {
		resp := StatusResponse{
			Session:   deps.Sessions.State().String(),
			User:      deps.Sessions.User().Username,
			Watermark: deps.Watermark.At(),
			Loops:     deps.Loops.Running(),
		}
		if deps.Ledger != nil {
			resp.Handled = deps.Ledger.Len()
		}
		if deps.Journal != nil {
			counts, err := deps.Journal.CountEvents(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			resp.Events = counts
			if resp.Outbox, err = deps.Journal.PendingOutbox(c.Request.Context()); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	authorized.GET("/events", func(c *gin.Context) {
		if deps.Journal == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		events, err := deps.Journal.ListEvents(c.Request.Context(), c.Query("type"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if events == nil {
			events = []sqlite.Event{}
		}
		c.JSON(http.StatusOK, events)
	})

	authorized.POST("/loops/:name/stop", func(c *gin.Context) {
		name := c.Param("name")
		if err := deps.Loops.Stop(name); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Info("loop stopped by operator", zap.String("loop", name), zap.String("by", c.GetString("principal")))
		c.JSON(http.StatusOK, gin.H{"stopped": name})
	})

	return r
}

// authMiddleware prefers bearer JWTs, then operator basic auth. With
// neither configured requests pass through.
func authMiddleware(verifier *auth.JWTVerifier, operators *auth.OperatorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case verifier != nil:
			p, err := verifier.PrincipalFromRequest(c.Request)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				c.Abort()
				return
			}
			c.Set("principal", p.ID)

		case operators != nil:
			user, pass, ok := c.Request.BasicAuth()
			if !ok {
				c.Header("WWW-Authenticate", `Basic realm="threader"`)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
				c.Abort()
				return
			}
			op, err := operators.ValidateOperator(c.Request.Context(), user, pass)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, auth.ErrInvalidCredentials) {
					status = http.StatusUnauthorized
				}
				c.JSON(status, gin.H{"error": err.Error()})
				c.Abort()
				return
			}
			c.Set("principal", op.Username)
		}
		c.Next()
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	log = logging.Named(log, "api")
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
