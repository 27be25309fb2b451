// Package httpapi serves rank 0's optional status and admin surface: a
// health check, a JSON status snapshot, a websocket push of that same
// snapshot on every Push call, and a bearer-JWT-protected endpoint to
// request a graceful stop. It follows the pack's gateway.go shape (a gin
// router and a websocket client set guarded by its own mutex)
// trimmed to the single shared admin secret this system needs instead of a
// user database.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Status is the current run snapshot /status and /stream report.
type Status struct {
	RunID         string    `json:"run_id"`
	Zone          int       `json:"zone"`
	Iteration     int       `json:"iteration"`
	Objective     float64   `json:"objective"`
	Infeasibility float64   `json:"infeasibility"`
	Mode          string    `json:"mode"`
	Converged     bool      `json:"converged"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// claims is the token payload /admin/cancel accepts; there is no user
// database backing this, only a single shared secret, so the claims carry
// no permissions beyond "signed with the right key".
type claims struct {
	jwt.RegisteredClaims
}

// Server hosts the status/admin surface. One per run, on rank 0 only.
type Server struct {
	router    *gin.Engine
	jwtSecret string

	mu     sync.RWMutex
	status Status

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*websocket.Conn

	cancelMu        sync.Mutex
	cancelRequested bool
}

// New builds a Server. jwtSecret signs and verifies /admin/cancel's bearer
// token; an empty secret leaves /admin/cancel permanently unauthorized
// rather than silently open.
func New(jwtSecret string) *Server {
	s := &Server{
		jwtSecret: jwtSecret,
		wsClients: make(map[uuid.UUID]*websocket.Conn),
	}
	s.router = gin.Default()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/status", s.getStatus)
	s.router.GET("/stream", s.handleStream)
	s.router.POST("/admin/cancel", s.authMiddleware(), s.postCancel)
}

// Run starts the HTTP server; it blocks until the listener fails or is
// closed, matching gin's own Run semantics.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Push updates the current snapshot and broadcasts it to every connected
// websocket client. cmd/scuc calls it once, with the final result, after the
// coordinator's Run returns; it is not called from inside the ADMM loop.
func (s *Server) Push(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()

	payload, err := json.Marshal(st)
	if err != nil {
		return
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for id, conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			go s.dropClient(id)
		}
	}
}

func (s *Server) dropClient(id uuid.UUID) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if conn, ok := s.wsClients[id]; ok {
		conn.Close()
		delete(s.wsClients, id)
	}
}

// CancelRequested reports whether /admin/cancel has been called. The
// coordinator checks this at the top of each iteration, never mid-solve, so
// a cancel always lands between one barrier and the next.
func (s *Server) CancelRequested() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.cancelRequested
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) getStatus(c *gin.Context) {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	c.JSON(http.StatusOK, st)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	id := uuid.New()
	s.wsMu.Lock()
	s.wsClients[id] = conn
	s.wsMu.Unlock()

	s.mu.RLock()
	initial, _ := json.Marshal(s.status)
	s.mu.RUnlock()
	conn.WriteMessage(websocket.TextMessage, initial)

	// The client never sends anything meaningful back; block on reads only
	// to detect the connection closing, matching the pack's read-pump idiom.
	go func() {
		defer s.dropClient(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) postCancel(c *gin.Context) {
	s.cancelMu.Lock()
	s.cancelRequested = true
	s.cancelMu.Unlock()
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.jwtSecret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin endpoints are disabled"})
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(s.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}

// SignAdminToken issues a bearer token an operator can use against
// /admin/cancel, so the same secret that verifies tokens can also mint one
// without a separate CLI.
func SignAdminToken(jwtSecret string, ttl time.Duration) (string, error) {
	claims := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
