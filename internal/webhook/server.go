// Package webhook serves the Intercom webhook endpoint, a health check and a
// small admin API.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/relay/internal/models"
	"github.com/zulandar/relay/internal/relay"
	"github.com/zulandar/relay/internal/relay/intercom"
	"github.com/zulandar/relay/internal/session"
	"github.com/zulandar/relay/internal/state"
)

const (
	// SignatureHeader carries "sha1=<hex>" of the raw body.
	SignatureHeader = "X-Hub-Signature"
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Coordinator is what the server needs from relay.Coordinator.
type Coordinator interface {
	relay.BatchHandler
	Record(ctx context.Context, conversationID string) (*models.ConversationRecord, error)
	Reset(ctx context.Context, conversationID string) (state.State, error)
}

// ServerOpts holds configuration for the webhook server.
type ServerOpts struct {
	Coordinator   Coordinator
	Port          int
	ClientSecrets []string      // any match verifies a delivery; none disables verification
	AdminToken    string        // bearer token for /conversations; empty disables the admin API
	BatchWait     time.Duration // quiet period before a conversation's deliveries are handled; <= 0 dispatches immediately
	Logger        *slog.Logger
	Out           io.Writer
}

// Server is the push event source. It implements relay.Runner.
type Server struct {
	coord      Coordinator
	port       int
	secrets    []string
	adminToken string
	logger     *slog.Logger
	out        io.Writer
	router     *gin.Engine

	// Dispatches outlive their request; Run drains them on shutdown.
	batches *batcher
}

// NewServer creates a Server.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("webhook: coordinator is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		coord:      opts.Coordinator,
		port:       opts.Port,
		secrets:    opts.ClientSecrets,
		adminToken: opts.AdminToken,
		logger:     opts.Logger,
		out:        opts.Out,
		batches:    newBatcher(opts.Coordinator, opts.BatchWait),
	}
	if len(s.secrets) == 0 {
		s.logger.Warn("webhook signature verification disabled: no client secret configured")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Wait dispatches any batched deliveries now and blocks until every
// dispatch has been handled.
func (s *Server) Wait() { s.batches.drain() }

// Run serves until ctx is cancelled, then shuts down gracefully. Once the
// HTTP server has stopped, new deliveries are refused and batched ones are
// dispatched and waited for.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Webhook listening on :%d\n", s.port)
	}

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		// Shutdown returns once in-flight requests are done.
		<-stopped
	}
	s.batches.close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// registerRoutes sets up all routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", handleHealth())
	router.HEAD("/webhook/intercom", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/webhook/intercom", s.handleIntercom())

	if s.adminToken == "" {
		return
	}
	admin := router.Group("/conversations", s.requireAdmin())
	admin.GET("/:id", s.handleShow())
	admin.POST("/:id/reset", s.handleReset())
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

func (s *Server) handleIntercom() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		if !s.verify(body, c.GetHeader(SignatureHeader)) {
			s.logger.Warn("webhook signature mismatch", "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		n, err := intercom.ParseNotification(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		if n.IsPing() {
			c.JSON(http.StatusOK, gin.H{"status": "pong"})
			return
		}
		if n.Type != intercom.TypeNotification || len(n.Events) == 0 {
			s.logger.Debug("webhook ignored", "type", n.Type, "topic", n.Topic)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		if s.coord.Halted() {
			s.logger.Warn("webhook dropped: emergency stop active", "conversation_id", n.ConversationID)
			c.JSON(http.StatusOK, gin.H{"status": "halted"})
			return
		}

		s.logger.Debug("webhook accepted", "notification_id", n.ID, "topic", n.Topic,
			"conversation_id", n.ConversationID, "events", len(n.Events))
		if !s.batches.add(n.ConversationID, n.Events) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

// verify checks the "sha1=<hex>" HMAC of body against every secret.
func (s *Server) verify(body []byte, header string) bool {
	if len(s.secrets) == 0 {
		return true
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha1="))
	if err != nil || len(got) == 0 {
		return false
	}
	for _, secret := range s.secrets {
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(got, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

// Sign returns the X-Hub-Signature value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	want := []byte("Bearer " + s.adminToken)
	return func(c *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("Authorization")), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// recordView is the admin API rendering of a conversation record.
type recordView struct {
	ConversationID         string     `json:"conversation_id"`
	State                  string     `json:"state"`
	AISessionID            string     `json:"ai_session_id,omitempty"`
	ExpiresAt              time.Time  `json:"expires_at"`
	LastProcessedMessageID string     `json:"last_processed_message_id,omitempty"`
	LastProcessedAt        *time.Time `json:"last_processed_at,omitempty"`
	TakeoverBy             string     `json:"takeover_by,omitempty"`
	TakeoverAt             *time.Time `json:"takeover_at,omitempty"`
}

func newRecordView(rec *models.ConversationRecord) recordView {
	return recordView{
		ConversationID:         rec.ConversationID,
		State:                  rec.State,
		AISessionID:            rec.SessionID(),
		ExpiresAt:              rec.ExpiresAt,
		LastProcessedMessageID: rec.LastProcessedMessageID,
		LastProcessedAt:        rec.LastProcessedAt,
		TakeoverBy:             rec.TakeoverBy,
		TakeoverAt:             rec.TakeoverAt,
	}
}

func (s *Server) handleShow() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := s.coord.Record(c.Request.Context(), c.Param("id"))
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err != nil {
			s.logger.Error("admin show failed", "conversation_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, newRecordView(rec))
	}
}

func (s *Server) handleReset() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		to, err := s.coord.Reset(c.Request.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err != nil {
			s.logger.Error("admin reset failed", "conversation_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversation_id": id, "state": string(to)})
	}
}
