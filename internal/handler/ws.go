package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"relay-core/internal/hub"
	"relay-core/internal/model"
	"relay-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	authTimeout    = 5 * time.Second
)

// WSHandler socket 入口: 升级、注册、读循环
type WSHandler struct {
	hub        *hub.Hub
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, d *Dispatcher) *WSHandler {
	return &WSHandler{
		hub:        h,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// authParams 控制端用 session，签名端用 key；也接受 Authorization: Bearer <key>
func authParams(r *http.Request) hub.AuthParams {
	q := r.URL.Query()
	p := hub.AuthParams{Session: q.Get("session"), Key: q.Get("key")}
	if p.Session == "" && p.Key == "" {
		auth := r.Header.Get("Authorization")
		switch {
		case strings.HasPrefix(auth, "Bearer "):
			p.Key = strings.TrimPrefix(auth, "Bearer ")
		case strings.HasPrefix(auth, "Session "):
			p.Session = strings.TrimPrefix(auth, "Session ")
		}
	}
	return p
}

// ServeWS GET /ws
func (w *WSHandler) ServeWS(c *gin.Context) {
	params := authParams(c.Request)
	conn, err := w.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("[WS] 升级失败", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), authTimeout)
	client, err := w.hub.Register(ctx, conn, params)
	cancel()
	if err != nil {
		// 认证失败的连接由 hub 延迟关闭，这里只需要排空读端
		drain(conn)
		w.hub.Deregister(client.ID)
		return
	}

	w.readLoop(conn, client)
}

func (w *WSHandler) readLoop(conn *websocket.Conn, client *hub.Client) {
	defer w.hub.Deregister(client.ID)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go keepalive(conn, client)

	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("[WS] 连接异常断开", zap.String("conn_id", client.ID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}

		ctx := context.Background()
		switch client.Role() {
		case model.RoleController:
			w.dispatcher.HandleController(ctx, client, raw)
		case model.RoleSigner:
			w.dispatcher.HandleSigner(ctx, client, raw)
		}
	}
}

// keepalive 定期发送 ping 控制帧，连接关闭后退出
func keepalive(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-client.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// drain 丢弃未认证连接发来的消息，直到连接被关闭
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
