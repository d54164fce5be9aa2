package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AuthParams 连接参数: session 表示控制端，key 表示签名端
type AuthParams struct {
	Session string
	Key     string
}

// Role 根据连接参数推断角色
func (p AuthParams) Role() model.Role {
	switch {
	case p.Session != "":
		return model.RoleController
	case p.Key != "":
		return model.RoleSigner
	default:
		return model.RoleUnknown
	}
}

// Authenticator 身份服务
type Authenticator interface {
	Authenticate(ctx context.Context, role model.Role, credential string) (*model.Principal, error)
}

// PresenceListener 配对状态变化的监听者 (余额轮询)
type PresenceListener interface {
	PairFormed(userID string)
	PairBroken(userID string)
}

// Messenger 向用户的某一端发送消息，供各 service 依赖
type Messenger interface {
	SendToSigner(userID string, msg interface{}) error
	SendToController(userID string, msg interface{}) error
}

type pair struct {
	controller *Client
	signer     *Client
}

func (p *pair) slot(role model.Role) **Client {
	if role == model.RoleController {
		return &p.controller
	}
	return &p.signer
}

func (p *pair) complete() bool {
	return p.controller != nil && p.signer != nil
}

// Stats 连接统计
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Pairs       int `json:"pairs"`
}

// Hub 维护所有连接以及每个用户的 controller/signer 配对
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	pairs    map[string]*pair
	listener PresenceListener

	auth       Authenticator
	closeGrace time.Duration
	log        *zap.Logger
}

func New(auth Authenticator, closeGrace time.Duration) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		pairs:      make(map[string]*pair),
		auth:       auth,
		closeGrace: closeGrace,
		log:        logger.Named("hub"),
	}
}

// SetListener 注册配对监听者，需在接受连接前调用
func (h *Hub) SetListener(l PresenceListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// Register 创建连接、完成认证并占据对应角色的槽位。
// 认证失败时返回 errno.ErrAuthentication，连接在 closeGrace 之后以 4001 关闭。
func (h *Hub) Register(ctx context.Context, conn Conn, params AuthParams) (*Client, error) {
	role := params.Role()
	c := newClient(uuid.NewString(), role, conn, h.log)

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	// 1. 任何连接第一条消息都是 connection_ack
	_ = c.Send(protocol.NewConnectionAck(c.ID, role))

	// 2. 认证
	principal, err := h.authenticate(ctx, role, params)
	if err != nil {
		h.reject(c, err)
		return c, err
	}
	c.authenticate(principal)
	_ = c.Send(protocol.NewAuthSuccess(*principal))

	// 3. 占据槽位，同角色旧连接被顶替
	h.mu.Lock()
	p, ok := h.pairs[principal.UserID]
	if !ok {
		p = &pair{}
		h.pairs[principal.UserID] = p
	}
	slot := p.slot(role)
	replaced := *slot
	*slot = c
	counterpart := *p.slot(peerOf(role))
	complete := p.complete()
	listener := h.listener
	h.mu.Unlock()

	monitor.Business.ConnectionsActive.WithLabelValues(string(role)).Inc()
	h.log.Info("[Hub] 连接已认证",
		zap.String("conn_id", c.ID),
		zap.String("user_id", principal.UserID),
		zap.String("role", string(role)),
		zap.Bool("replaced", replaced != nil),
	)

	if replaced != nil {
		replaced.CloseWithCode(CloseReplaced, "replaced by newer connection")
	}
	if counterpart != nil {
		_ = counterpart.Send(protocol.NewPresence(role, true))
	}
	if complete && listener != nil {
		listener.PairFormed(principal.UserID)
	}
	return c, nil
}

func (h *Hub) authenticate(ctx context.Context, role model.Role, params AuthParams) (*model.Principal, error) {
	switch role {
	case model.RoleController:
		return h.auth.Authenticate(ctx, role, params.Session)
	case model.RoleSigner:
		return h.auth.Authenticate(ctx, role, params.Key)
	default:
		return nil, errno.ErrAuthentication.WithMessage("missing session or key")
	}
}

func (h *Hub) reject(c *Client, err error) {
	c.markUnknown()
	_, reason := errno.Decode(err)
	h.log.Warn("[Hub] 认证失败", zap.String("conn_id", c.ID), zap.Error(err))
	_ = c.Send(protocol.NewAuthFailed(reason))
	time.AfterFunc(h.closeGrace, func() {
		c.CloseWithCode(CloseAuthFailed, "authentication failed")
	})
}

// Deregister 连接关闭时调用 (幂等)。被顶替的旧连接不会影响新连接的槽位。
func (h *Hub) Deregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)

	var (
		counterpart *Client
		wasComplete bool
		vacated     bool
		userID      = c.UserID()
		role        = c.Role()
		listener    = h.listener
	)
	if p, ok := h.pairs[userID]; ok && c.Authenticated() {
		slot := p.slot(role)
		if *slot == c {
			wasComplete = p.complete()
			*slot = nil
			vacated = true
			counterpart = *p.slot(peerOf(role))
			if p.controller == nil && p.signer == nil {
				delete(h.pairs, userID)
			}
		}
	}
	h.mu.Unlock()

	c.Close()
	if !c.Authenticated() {
		return
	}
	monitor.Business.ConnectionsActive.WithLabelValues(string(role)).Dec()
	if !vacated {
		return
	}

	h.log.Info("[Hub] 连接已断开", zap.String("conn_id", c.ID), zap.String("user_id", userID), zap.String("role", string(role)))
	if counterpart != nil {
		_ = counterpart.Send(protocol.NewPresence(role, false))
	}
	if wasComplete && listener != nil {
		listener.PairBroken(userID)
	}
}

func (h *Hub) peer(userID string, role model.Role) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.pairs[userID]
	if !ok {
		return nil
	}
	return *p.slot(role)
}

// Signer 返回用户当前的签名端连接
func (h *Hub) Signer(userID string) *Client {
	return h.peer(userID, model.RoleSigner)
}

// Controller 返回用户当前的控制端连接
func (h *Hub) Controller(userID string) *Client {
	return h.peer(userID, model.RoleController)
}

// Paired 用户两端是否都在线
func (h *Hub) Paired(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.pairs[userID]
	return ok && p.complete()
}

func (h *Hub) SendToSigner(userID string, msg interface{}) error {
	c := h.Signer(userID)
	if c == nil || !c.IsOpen() {
		return errno.ErrSignerOffline
	}
	if err := c.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", errno.ErrSignerOffline, err)
	}
	return nil
}

func (h *Hub) SendToController(userID string, msg interface{}) error {
	c := h.Controller(userID)
	if c == nil {
		return ErrConnectionClosed
	}
	return c.Send(msg)
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Connections: len(h.clients), Users: len(h.pairs)}
	for _, p := range h.pairs {
		if p.complete() {
			s.Pairs++
		}
	}
	return s
}

// Shutdown 关闭所有连接
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
}

func peerOf(role model.Role) model.Role {
	if role == model.RoleController {
		return model.RoleSigner
	}
	return model.RoleController
}
