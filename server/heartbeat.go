package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiryPolicy 保活 ping 失败时的处理方式
type ExpiryPolicy string

const (
	// ExpiryLog 只记录日志，连接保持
	ExpiryLog ExpiryPolicy = "log"
	// ExpiryDisconnect 以 StatusSessionExpired 断开该会话
	ExpiryDisconnect ExpiryPolicy = "disconnect"
)

// Roster 心跳需要的连接视图
type Roster interface {
	Identities() []Identity
	DisconnectSession(id Identity, code int, reason string) bool
}

type HeartbeatOptions struct {
	Interval      time.Duration // 每个身份两次 ping 的最小间隔
	CheckInterval time.Duration // 扫描间隔
	Policy        ExpiryPolicy
	Timeout       time.Duration // 单次 ping 超时
	Now           func() time.Time
}

type heartbeatEntry struct {
	sessionID string
	checked   time.Time
}

// Heartbeat 周期性向身份服务 ping 长连接的会话，避免外部会话静默过期
type Heartbeat struct {
	provider IdentityProvider
	roster   Roster
	opts     HeartbeatOptions
	log      *zap.SugaredLogger

	mu   sync.Mutex
	last map[string]heartbeatEntry
	wg   sync.WaitGroup
}

func NewHeartbeat(provider IdentityProvider, roster Roster, opts HeartbeatOptions, log *zap.SugaredLogger) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = 4 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = ExpiryLog
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Heartbeat{
		provider: provider,
		roster:   roster,
		opts:     opts,
		log:      log,
		last:     make(map[string]heartbeatEntry),
	}
}

// Run 阻塞直到 ctx 取消，并等待在途的 ping 结束
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Wait()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check 扫描一次，返回发起的 ping 数
// 新出现的会话以当前时间为上次确认时间（握手时刚刚校验过）
func (h *Heartbeat) Check(ctx context.Context) int {
	now := h.opts.Now()
	ids := h.roster.Identities()

	h.mu.Lock()
	seen := make(map[string]bool, len(ids))
	var due []Identity
	for _, id := range ids {
		seen[id.Username] = true
		e, ok := h.last[id.Username]
		if !ok || e.sessionID != id.SessionID {
			h.last[id.Username] = heartbeatEntry{sessionID: id.SessionID, checked: now}
			continue
		}
		if now.Sub(e.checked) >= h.opts.Interval {
			h.last[id.Username] = heartbeatEntry{sessionID: id.SessionID, checked: now}
			due = append(due, id)
		}
	}
	for name := range h.last {
		if !seen[name] {
			delete(h.last, name)
		}
	}
	h.mu.Unlock()

	for _, id := range due {
		h.wg.Add(1)
		go h.ping(ctx, id)
	}
	return len(due)
}

// Wait 等待所有在途 ping
func (h *Heartbeat) Wait() {
	h.wg.Wait()
}

func (h *Heartbeat) ping(ctx context.Context, id Identity) {
	defer h.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	err := h.provider.Ping(ctx, id.SessionID)
	if err == nil {
		heartbeatPings.WithLabelValues("ok").Inc()
		h.log.Debugw("session ping", "username", id.Username)
		return
	}
	heartbeatPings.WithLabelValues("failed").Inc()
	h.log.Warnw("session ping failed", "username", id.Username, "policy", h.opts.Policy, "err", err)
	if h.opts.Policy == ExpiryDisconnect {
		h.roster.DisconnectSession(id, StatusSessionExpired, "session expired")
	}
}
