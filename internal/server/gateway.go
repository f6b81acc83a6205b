package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"go-imsdk/errs"
	"go-imsdk/internal/conn"
	"go-imsdk/internal/logx"
	"go-imsdk/internal/protocol"
)

// Gateway WebSocket 接入网关：
// - POST /register 注册用户（bcrypt 存密码）
// - POST /token 校验密码并签发 JWT
// - GET /ws 升级为帧连接并交给 Core.Serve
// - GET /metrics Prometheus 指标
type Gateway struct {
	core      *Core
	jwtSecret string
	tokenTTL  time.Duration

	mu    sync.Mutex
	users map[string][]byte // userID → bcrypt 哈希
}

func NewGateway(core *Core, jwtSecret string, tokenTTL time.Duration) *Gateway {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Gateway{core: core, jwtSecret: jwtSecret, tokenTTL: tokenTTL, users: make(map[string][]byte)}
}

// TokenVerifier 网关配套的登录令牌校验器，装进 Core Options 使用。
func (g *Gateway) TokenVerifier(userID, token string) *errs.Error {
	return VerifyToken(g.jwtSecret, userID, token)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router 组装 gin 路由。
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/register", g.handleRegister)
	r.POST("/token", g.handleToken)
	r.GET("/ws", g.handleWS)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

type credentials struct {
	UserID   string `json:"userId" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (g *Gateway) handleRegister(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash failed"})
		return
	}
	g.mu.Lock()
	_, exists := g.users[req.UserID]
	if !exists {
		g.users[req.UserID] = hash
	}
	g.mu.Unlock()
	if exists {
		c.JSON(http.StatusConflict, gin.H{"error": "user exists"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": req.UserID})
}

func (g *Gateway) handleToken(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g.mu.Lock()
	hash, ok := g.users[req.UserID]
	g.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
		return
	}
	token, err := IssueToken(g.jwtSecret, req.UserID, g.tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresInSec": int(g.tokenTTL.Seconds())})
}

func (g *Gateway) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logx.Warnf("gateway: upgrade: %v", err)
		return
	}
	go g.core.Serve(&serverWSConn{conn: ws, writeTimeout: 10 * time.Second})
}

// serverWSConn 服务端侧的帧连接包装，写侧加锁避免并发写冲突。
type serverWSConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

var _ conn.Conn = (*serverWSConn)(nil)

func (w *serverWSConn) ReadFrame() (*protocol.Frame, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil
	}
}

func (w *serverWSConn) WriteFrame(f *protocol.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *serverWSConn) Close() error { return w.conn.Close() }
