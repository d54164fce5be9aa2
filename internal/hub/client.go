package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"relay-core/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// CloseAuthFailed 认证失败关闭码
	CloseAuthFailed = 4001
	// CloseReplaced 同角色新连接顶替
	CloseReplaced = 4002

	sendQueueSize = 256
	writeWait     = 10 * time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
)

// Conn 是 *websocket.Conn 中 Client 用到的部分
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client 一条已注册的 socket 连接
// send 队列不会被关闭，done 关闭后写协程退出
type Client struct {
	ID string

	mu            sync.RWMutex
	role          model.Role
	userID        string
	tier          string
	authenticated bool

	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
	log       *zap.Logger
}

func newClient(id string, role model.Role, conn Conn, log *zap.Logger) *Client {
	c := &Client{
		ID:   id,
		role: role,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		log:  log.With(zap.String("conn_id", id)),
	}
	go c.writePump()
	return c
}

func (c *Client) Role() model.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) Tier() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tier
}

func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) authenticate(p *model.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = p.UserID
	c.tier = p.Tier
	c.authenticated = true
}

func (c *Client) markUnknown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = model.RoleUnknown
	c.authenticated = false
}

// Done 连接关闭后返回的 channel 被关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsOpen 连接是否仍可写
func (c *Client) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send 序列化并入队，由写协程发送
func (c *Client) Send(v interface{}) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- b:
		return nil
	default:
		c.log.Warn("[Hub] 发送队列已满，关闭慢连接")
		c.CloseWithCode(websocket.CloseTryAgainLater, "slow consumer")
		return ErrSendQueueFull
	}
}

// CloseWithCode 先发出队列中剩余的消息，再发送关闭帧 (幂等)
func (c *Client) CloseWithCode(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeText = text
		c.mu.Unlock()
		close(c.done)
	})
}

// Close 以正常关闭码关闭
func (c *Client) Close() {
	c.CloseWithCode(websocket.CloseNormalClosure, "")
}

func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.Debug("[Hub] 写入失败", zap.Error(err))
				c.CloseWithCode(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			// 1. 冲刷剩余消息
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			// 2. 发送关闭帧
			c.mu.RLock()
			code, text := c.closeCode, c.closeText
			c.mu.RUnlock()
			if code != websocket.CloseAbnormalClosure {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
			}
			return
		}
	}
}

func (c *Client) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}
