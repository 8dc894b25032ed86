package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 关闭连接时使用的状态码
const (
	StatusKicked         = websocket.CloseNormalClosure   // 1000 管理员踢出
	StatusShutdown       = websocket.CloseGoingAway       // 1001 服务关闭
	StatusWrongData      = websocket.CloseUnsupportedData // 1003 无法解析的帧
	StatusDuplicate      = websocket.ClosePolicyViolation // 1008 同一账号的新连接
	StatusSlowConsumer   = websocket.CloseTryAgainLater   // 1013 发送队列溢出
	StatusSessionExpired = 4001                           // 身份服务会话失效
)

// NotificationKind 注册表向观察者发出的通知种类
type NotificationKind int

const (
	NotifyConnected NotificationKind = iota
	NotifyDisconnected
	NotifyMessage
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyConnected:
		return "connected"
	case NotifyDisconnected:
		return "disconnected"
	case NotifyMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Notification ConnID 标识发出通知的连接实例，观察者据此丢弃来自已被顶替连接的过期通知
type Notification struct {
	Kind     NotificationKind
	Identity Identity
	ConnID   uuid.UUID
	Events   []Event
}

// Observer 通知的唯一消费者（同步引擎）
type Observer interface {
	OnNotification(n Notification)
}

// Transport 底层连接；Send 不得阻塞
type Transport interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// Conn 一个已认证的连接：传输句柄 + 待发送队列 + 关闭标记
type Conn struct {
	id        uuid.UUID
	identity  Identity
	transport Transport
	limiter   *rate.Limiter

	// 以下字段受 Registry.mu 保护
	queue  []Event
	closed bool
}

func (c *Conn) ID() uuid.UUID      { return c.id }
func (c *Conn) Identity() Identity { return c.identity }
func (c *Conn) Username() string   { return c.identity.Username }

// RegistryOptions 入站限流：InboundRate 为每秒帧数，<=0 表示不限
type RegistryOptions struct {
	InboundRate  float64
	InboundBurst int
	Now          func() time.Time
}

// Registry username -> 连接；每个用户名最多一个已注册连接
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	observer Observer
	opts     RegistryOptions
	log      *zap.SugaredLogger
}

func NewRegistry(opts RegistryOptions, log *zap.SugaredLogger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 1
	}
	return &Registry{conns: make(map[string]*Conn), opts: opts, log: log}
}

// SetObserver 在开始接入连接之前调用
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// NewConn 为刚完成握手的传输创建连接（尚未注册）
func (r *Registry) NewConn(id Identity, t Transport) *Conn {
	limit := rate.Inf
	if r.opts.InboundRate > 0 {
		limit = rate.Limit(r.opts.InboundRate)
	}
	return &Conn{
		id:        uuid.New(),
		identity:  id,
		transport: t,
		limiter:   rate.NewLimiter(limit, r.opts.InboundBurst),
	}
}

// Displace 认证通过后、升级之前：断开该用户名已有的连接
func (r *Registry) Displace(username string) bool {
	r.mu.Lock()
	c, ok := r.conns[username]
	var n *Notification
	if ok {
		n = r.disconnectLocked(c, StatusDuplicate, "duplicate session", true)
	}
	r.mu.Unlock()
	if ok {
		r.log.Infow("displaced existing connection", "username", username, "conn", c.id)
	}
	r.dispatch(n)
	return ok
}

// Admit 传输就绪后注册连接。若期间已有同名连接注册，新连接自行断开，不抢占已注册者
func (r *Registry) Admit(c *Conn) bool {
	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return false
	}
	if cur, ok := r.conns[c.Username()]; ok && cur != c {
		r.disconnectLocked(c, StatusDuplicate, "duplicate session", true)
		r.mu.Unlock()
		r.log.Infow("newer connection lost admission race", "username", c.Username(), "conn", c.id)
		return false
	}
	r.conns[c.Username()] = c
	count := len(r.conns)
	r.mu.Unlock()

	connectionsGauge.Set(float64(count))
	r.log.Infow("connection admitted", "username", c.Username(), "conn", c.id)
	r.dispatch(&Notification{Kind: NotifyConnected, Identity: c.identity, ConnID: c.id})
	return true
}

// Enqueue 追加到用户队列；immediate 时立即发送该用户的队列
func (r *Registry) Enqueue(username string, ev Event, immediate bool) bool {
	r.mu.Lock()
	c, ok := r.conns[username]
	var failed []*Conn
	if ok {
		c.queue = append(c.queue, ev)
		if immediate {
			failed = r.flushLocked(c, failed)
		}
	}
	ns := r.dropLocked(failed)
	r.mu.Unlock()
	r.dispatchAsync(ns)
	return ok
}

// Multicast 追加到若干用户的队列；immediate 时立即发送这些用户的队列
func (r *Registry) Multicast(usernames []string, ev Event, immediate bool) {
	r.mu.Lock()
	var failed []*Conn
	for _, name := range usernames {
		c, ok := r.conns[name]
		if !ok {
			continue
		}
		c.queue = append(c.queue, ev)
		if immediate {
			failed = r.flushLocked(c, failed)
		}
	}
	ns := r.dropLocked(failed)
	r.mu.Unlock()
	r.dispatchAsync(ns)
}

// Broadcast 追加到所有连接的队列
func (r *Registry) Broadcast(ev Event, immediate bool) {
	r.mu.Lock()
	var failed []*Conn
	for _, c := range r.conns {
		c.queue = append(c.queue, ev)
		if immediate {
			failed = r.flushLocked(c, failed)
		}
	}
	ns := r.dropLocked(failed)
	r.mu.Unlock()
	r.dispatchAsync(ns)
}

// Flush 立即发送单个用户的队列
func (r *Registry) Flush(username string) {
	r.mu.Lock()
	var failed []*Conn
	if c, ok := r.conns[username]; ok {
		failed = r.flushLocked(c, failed)
	}
	ns := r.dropLocked(failed)
	r.mu.Unlock()
	r.dispatchAsync(ns)
}

// FlushAll 每个非空队列合并为一个外壳帧发送；返回发送的帧数
func (r *Registry) FlushAll() int {
	r.mu.Lock()
	var failed []*Conn
	sent := 0
	for _, c := range r.conns {
		if len(c.queue) == 0 {
			continue
		}
		sent++
		failed = r.flushLocked(c, failed)
	}
	ns := r.dropLocked(failed)
	r.mu.Unlock()
	r.dispatchAsync(ns)
	return sent
}

// Disconnect 幂等：已关闭或不存在时返回 false
func (r *Registry) Disconnect(username string, code int, reason string) bool {
	r.mu.Lock()
	c, ok := r.conns[username]
	var n *Notification
	if ok {
		n = r.disconnectLocked(c, code, reason, true)
	}
	r.mu.Unlock()
	if ok {
		r.log.Infow("disconnected", "username", username, "code", code, "reason", reason)
	}
	r.dispatch(n)
	return ok
}

// DisconnectSession 仅当该用户名仍由同一会话持有时断开
func (r *Registry) DisconnectSession(id Identity, code int, reason string) bool {
	r.mu.Lock()
	c, ok := r.conns[id.Username]
	if !ok || c.identity.SessionID != id.SessionID {
		r.mu.Unlock()
		return false
	}
	n := r.disconnectLocked(c, code, reason, true)
	r.mu.Unlock()
	r.log.Infow("disconnected session", "username", id.Username, "code", code, "reason", reason)
	r.dispatch(n)
	return true
}

// Kick 管理员踢人
func (r *Registry) Kick(username string) bool {
	return r.Disconnect(username, StatusKicked, "kicked")
}

// Receive 读泵收到一帧：无法解析则以 StatusWrongData 断开；结构不符则丢弃；超出限流则丢弃
func (r *Registry) Receive(c *Conn, frame []byte) {
	r.mu.Lock()
	live := !c.closed && r.conns[c.Username()] == c
	r.mu.Unlock()
	if !live {
		return
	}

	if !c.limiter.Allow() {
		framesRejected.WithLabelValues("rate").Inc()
		r.log.Debugw("inbound frame rate limited", "username", c.Username())
		return
	}

	events, err := DecodeFrame(frame, r.opts.Now().UnixMilli())
	switch {
	case errors.Is(err, ErrSyntax):
		framesRejected.WithLabelValues("syntax").Inc()
		r.log.Warnw("unparseable frame, disconnecting", "username", c.Username(), "err", err)
		r.disconnectConn(c, StatusWrongData, "wrong data", true)
		return
	case err != nil:
		framesRejected.WithLabelValues("schema").Inc()
		r.log.Warnw("invalid frame dropped", "username", c.Username(), "err", err)
		return
	}
	for _, ev := range events {
		eventsReceived.WithLabelValues(ev.Type.String()).Inc()
	}
	r.dispatch(&Notification{Kind: NotifyMessage, Identity: c.identity, ConnID: c.id, Events: events})
}

// Closed 读泵退出（对端关闭或网络错误）
func (r *Registry) Closed(c *Conn) {
	r.disconnectConn(c, websocket.CloseNormalClosure, "", false)
}

// CloseAll 关闭全部连接（进程退出）
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	var ns []*Notification
	for _, c := range r.conns {
		ns = append(ns, r.disconnectLocked(c, code, reason, true))
	}
	r.mu.Unlock()
	r.dispatch(ns...)
}

// Identities 当前已注册的身份，按用户名排序
func (r *Registry) Identities() []Identity {
	r.mu.Lock()
	out := make([]Identity, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.identity)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) Has(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[username]
	return ok
}

// ConnID 当前为该用户名注册的连接实例
func (r *Registry) ConnID(username string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[username]
	if !ok {
		return uuid.Nil, false
	}
	return c.id, true
}

func (r *Registry) disconnectConn(c *Conn, code int, reason string, pleaseLeave bool) {
	r.mu.Lock()
	n := r.disconnectLocked(c, code, reason, pleaseLeave)
	r.mu.Unlock()
	r.dispatch(n)
}

// disconnectLocked 发送 PleaseLeave（尽力而为）、关闭传输、丢弃未发送队列、注销
// 只有曾注册的连接才产生 Disconnected 通知
func (r *Registry) disconnectLocked(c *Conn, code int, reason string, pleaseLeave bool) *Notification {
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = nil
	if pleaseLeave {
		if frame, err := EncodeEnvelope([]Event{NewPleaseLeave(r.opts.Now().UnixMilli())}); err == nil {
			_ = c.transport.Send(frame)
		}
	}
	if err := c.transport.Close(code, reason); err != nil {
		r.log.Debugw("transport close", "username", c.Username(), "err", err)
	}
	if r.conns[c.Username()] != c {
		return nil
	}
	delete(r.conns, c.Username())
	connectionsGauge.Set(float64(len(r.conns)))
	return &Notification{Kind: NotifyDisconnected, Identity: c.identity, ConnID: c.id}
}

// flushLocked 发送失败（队列溢出或已断开）的连接追加到 failed
func (r *Registry) flushLocked(c *Conn, failed []*Conn) []*Conn {
	if len(c.queue) == 0 || c.closed {
		return failed
	}
	events := c.queue
	c.queue = nil
	frame, err := EncodeEnvelope(events)
	if err != nil {
		r.log.Errorw("encode envelope", "username", c.Username(), "err", err)
		return failed
	}
	if err := c.transport.Send(frame); err != nil {
		r.log.Warnw("send failed", "username", c.Username(), "events", len(events), "err", err)
		return append(failed, c)
	}
	framesSent.Inc()
	return failed
}

func (r *Registry) dropLocked(failed []*Conn) []*Notification {
	var ns []*Notification
	for _, c := range failed {
		ns = append(ns, r.disconnectLocked(c, StatusSlowConsumer, "send queue full", false))
	}
	return ns
}

// dispatchAsync 发送路径的调用方可能持有引擎锁，由此产生的断开通知异步投递
func (r *Registry) dispatchAsync(ns []*Notification) {
	if len(ns) == 0 {
		return
	}
	go r.dispatch(ns...)
}

// dispatch 必须在释放 mu 之后调用
func (r *Registry) dispatch(ns ...*Notification) {
	r.mu.Lock()
	o := r.observer
	r.mu.Unlock()
	if o == nil {
		return
	}
	for _, n := range ns {
		if n != nil {
			o.OnNotification(*n)
		}
	}
}
