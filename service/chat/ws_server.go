package chat

import (
	"net"
	"net/http"

	"OpsChat/logger"
	midsec "OpsChat/middleware/security"
	sec "OpsChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the read loop until the peer goes
// away. An optional token on the handshake pre-verifies the identity the
// auth frame may later claim.
func (s *Server) HandleWS(c *gin.Context) {
	verified := ""
	if token := midsec.TokenFrom(c, nil); token != "" {
		uid, err := sec.Verify(s.jwtOpts, token)
		if err != nil {
			// not fatal: the connection may still authenticate in-band
			logger.Warnf("[ws] handshake token rejected: %v", err)
		} else {
			verified = uid
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}
	ws.SetReadLimit(1 << 20) // 1MB

	conn := s.m.Register(ws, verified)
	defer s.m.Unregister(conn)
	logger.Infof("[ws] connected conn=%s remote=%s", conn.ID, ws.RemoteAddr())

	// ---- 读循环：只读，出错即退出 ----
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", conn.ID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", conn.ID, rerr)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", conn.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.router.Dispatch(conn, data)
	}
}
