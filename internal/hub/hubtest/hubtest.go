// Package hubtest 提供连接和消息投递的测试替身
package hubtest

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 记录写入内容的假连接
type Conn struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
	closed    bool
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *Conn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCode = int(data[0])<<8 | int(data[1])
	}
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Types 按顺序返回已写出消息的 type 字段
func (c *Conn) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

// Frame 返回第一条 type 匹配的原始消息
func (c *Conn) Frame(typ string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f, &env) == nil && env.Type == typ {
			return f
		}
	}
	return nil
}

func (c *Conn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Recorder 记录发往两端的消息，实现 hub.Messenger
type Recorder struct {
	mu            sync.Mutex
	ToSigner      []interface{}
	ToController  []interface{}
	SignerOffline bool
	// OnSigner 在签名端收到消息后同步回调 (模拟签名端)
	OnSigner func(msg interface{})
}

var ErrOffline = errors.New("signer offline")

func (r *Recorder) SendToSigner(_ string, msg interface{}) error {
	r.mu.Lock()
	if r.SignerOffline {
		r.mu.Unlock()
		return ErrOffline
	}
	r.ToSigner = append(r.ToSigner, msg)
	hook := r.OnSigner
	r.mu.Unlock()
	if hook != nil {
		go hook(msg)
	}
	return nil
}

func (r *Recorder) SendToController(_ string, msg interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ToController = append(r.ToController, msg)
	return nil
}

func (r *Recorder) SetSignerOffline(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SignerOffline = v
}

func (r *Recorder) SignerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ToSigner)
}

// SignerMessages 返回发往签名端的消息快照
func (r *Recorder) SignerMessages() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.ToSigner...)
}

// ControllerMessages 返回发往控制端的消息快照
func (r *Recorder) ControllerMessages() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.ToController...)
}

// ControllerOf 返回控制端收到的第一条指定类型消息 (ptr 为 *T)
func (r *Recorder) ControllerOf(ptr interface{}) bool {
	target := reflect.ValueOf(ptr).Elem()
	for _, m := range r.ControllerMessages() {
		v := reflect.ValueOf(m)
		if v.Type() == target.Type() {
			target.Set(v)
			return true
		}
	}
	return false
}

// CountController 统计控制端收到的某类消息数量
func (r *Recorder) CountController(sample interface{}) int {
	want := reflect.TypeOf(sample)
	n := 0
	for _, m := range r.ControllerMessages() {
		if reflect.TypeOf(m) == want {
			n++
		}
	}
	return n
}
