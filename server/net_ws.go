package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueDepth = 256
)

var (
	errTransportClosed = errors.New("transport closed")
	errSendQueueFull   = errors.New("send queue full")
)

// outFrame 写协程的指令：数据帧或关闭帧
type outFrame struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// wsTransport 将 WebSocket 包装为非阻塞 Transport；真正的写出在 writePump 中
type wsTransport struct {
	ws   *websocket.Conn
	send chan outFrame
	done chan struct{}

	closeOnce sync.Once
	doneOnce  sync.Once
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{
		ws:   ws,
		send: make(chan outFrame, sendQueueDepth),
		done: make(chan struct{}),
	}
}

// Send 压入发送队列；队列满时返回错误，由注册表断开这个慢连接
func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.send <- outFrame{data: frame}:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close 排在已入队的数据帧之后发送关闭帧；队列满时直接断开底层连接
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		select {
		case t.send <- outFrame{close: true, code: code, reason: reason}:
		default:
			t.shutdown()
		}
	})
	return nil
}

func (t *wsTransport) shutdown() {
	t.doneOnce.Do(func() {
		close(t.done)
		_ = t.ws.Close()
	})
}

// writePump 独立协程：从 send 队列写出到 WS，并定期发送 ping
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.shutdown()
	}()
	for {
		select {
		case f := <-t.send:
			if f.close {
				msg := websocket.FormatCloseMessage(f.code, f.reason)
				_ = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			_ = t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ticker.C:
			if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// readPump 读取客户端帧交给注册表；退出时通知注册表连接已断开
func (t *wsTransport) readPump(reg *Registry, c *Conn, readLimit int64) {
	defer reg.Closed(c)
	if readLimit > 0 {
		t.ws.SetReadLimit(readLimit)
	}
	_ = t.ws.SetReadDeadline(time.Now().Add(pongWait))
	t.ws.SetPongHandler(func(string) error {
		return t.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := t.ws.ReadMessage()
		if err != nil {
			return
		}
		reg.Receive(c, payload)
	}
}

// HandshakeAuthenticator 将升级请求解析为身份
type HandshakeAuthenticator interface {
	Authenticate(r *http.Request) Identity
}

// Gateway WebSocket 接入：认证 -> 顶替旧连接 -> 升级 -> 注册
type Gateway struct {
	auth      HandshakeAuthenticator
	registry  *Registry
	upgrader  websocket.Upgrader
	readLimit int64
	log       *zap.SugaredLogger
}

func NewGateway(auth HandshakeAuthenticator, reg *Registry, readLimit int64, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		auth:     auth,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{accessTokenProtocol},
			// 浏览器客户端由游戏页面托管在其它域名下
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit: readLimit,
		log:       log,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := g.auth.Authenticate(r)
	if !id.Valid {
		g.log.Infow("rejected handshake", "username", id.Username, "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	g.registry.Displace(id.Username)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnw("upgrade error", "username", id.Username, "err", err)
		return
	}

	t := newWSTransport(ws)
	c := g.registry.NewConn(id, t)
	go t.writePump()
	if !g.registry.Admit(c) {
		return
	}
	t.readPump(g.registry, c, g.readLimit)
}
