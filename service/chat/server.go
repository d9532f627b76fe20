package chat

import (
	"net/http"

	midsec "OpsChat/middleware/security"
	sec "OpsChat/tools/security"

	"github.com/gin-gonic/gin"
)

// Server glues the connection manager to the HTTP layer: the /ws upgrade
// endpoint and the monitoring surface. Everything else on the engine belongs
// to the surrounding application.
type Server struct {
	m       *Manager
	router  *Router
	jwtOpts sec.Options
}

func NewServer(m *Manager, jwtOpts sec.Options) *Server {
	s := &Server{m: m, jwtOpts: jwtOpts}
	s.router = NewRouter(m, func(token string) (string, error) {
		return sec.Verify(jwtOpts, token)
	})
	return s
}

func (s *Server) Manager() *Manager { return s.m }

func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	api := r.Group("/api/chat", midsec.Middleware(s.jwtOpts, nil))
	api.GET("/stats", s.HandleStats)
}

func (s *Server) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.m.Stats())
}
