package security

import (
	"net/http"
	"strings"

	"OpsChat/tools/errs"
	sec "OpsChat/tools/security"

	"github.com/gin-gonic/gin"
)

// —— context key ——
// 下游 handler 统一用这俩 key 读取
const (
	CtxUserIDKey = "authUserId" // string
	CtxTokenKey  = "authToken"  // string
)

type Options struct {
	HeaderToken     string // 默认 "Authorization"
	EnableBearer    bool   // 兼容 Authorization: Bearer xxx，默认 true
	AllowQueryToken bool   // 允许 ?token=（浏览器 WebSocket 握手无法带自定义头）
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:     "Authorization",
		EnableBearer:    true,
		AllowQueryToken: true,
	}
}

// TokenFrom pulls the raw token out of the request without verifying it.
func TokenFrom(c *gin.Context, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if token != "" && opts.EnableBearer {
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		}
	}
	if token == "" && opts.AllowQueryToken {
		token = strings.TrimSpace(c.Query("token"))
	}
	return token
}

// Middleware verifies the request token and stores the user id in context.
func Middleware(jwtOpts sec.Options, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := TokenFrom(c, opts)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenMissing)
			return
		}
		uid, err := sec.Verify(jwtOpts, token)
		if err != nil {
			var ce *errs.CodeError
			if e, ok := err.(*errs.CodeError); ok {
				ce = e
			} else {
				ce = errs.ErrTokenInvalid
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ce)
			return
		}
		c.Set(CtxUserIDKey, uid)
		c.Set(CtxTokenKey, token)
		c.Next()
	}
}
