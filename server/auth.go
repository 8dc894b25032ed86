package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// accessTokenProtocol 浏览器无法设置 Authorization 时，通过子协议携带凭据：
// Sec-WebSocket-Protocol: access_token, base64(username:session)
const accessTokenProtocol = "access_token"

// Identity 握手请求解析出的身份
type Identity struct {
	Username  string
	SessionID string
	Valid     bool
}

// IdentityProvider 外部身份服务：校验会话、保活
type IdentityProvider interface {
	CheckSession(ctx context.Context, username, sessionID string) (bool, error)
	Ping(ctx context.Context, sessionID string) error
}

// SessionCache 已确认的 (username, session) 对
type SessionCache interface {
	Confirmed(ctx context.Context, username, sessionID string) bool
	Confirm(ctx context.Context, username, sessionID string)
}

// MemorySessionCache 进程内缓存，确认过的会话一直有效直到进程重启
type MemorySessionCache struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{sessions: make(map[string]string)}
}

func (c *MemorySessionCache) Confirmed(_ context.Context, username, sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sid, ok := c.sessions[username]
	return ok && sid == sessionID
}

func (c *MemorySessionCache) Confirm(_ context.Context, username, sessionID string) {
	c.mu.Lock()
	c.sessions[username] = sessionID
	c.mu.Unlock()
}

// AuthOptions Authenticator 的可选项
type AuthOptions struct {
	// DevMode 跳过身份服务校验，接受任意用户名/会话
	DevMode bool
	// Timeout 单次身份服务调用的超时
	Timeout time.Duration
}

// Authenticator 将握手请求解析为身份，并向身份服务确认会话
type Authenticator struct {
	provider IdentityProvider
	cache    SessionCache
	opts     AuthOptions
	log      *zap.SugaredLogger
}

func NewAuthenticator(provider IdentityProvider, cache SessionCache, opts AuthOptions, log *zap.SugaredLogger) *Authenticator {
	if cache == nil {
		cache = NewMemorySessionCache()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Authenticator{provider: provider, cache: cache, opts: opts, log: log}
}

// Authenticate 凭据来源按优先级：Authorization Basic 头 > access_token 子协议 > 查询参数
func (a *Authenticator) Authenticate(r *http.Request) Identity {
	username, sessionID, ok := credentials(r)
	id := Identity{Username: username, SessionID: sessionID}
	if !ok {
		return id
	}
	id.Valid = a.Validate(r.Context(), username, sessionID)
	return id
}

// Validate 开发模式直接通过；缓存命中直接通过；否则询问身份服务，确认后写入缓存
func (a *Authenticator) Validate(ctx context.Context, username, sessionID string) bool {
	if username == "" || sessionID == "" {
		return false
	}
	if a.opts.DevMode {
		a.log.Debugw("dev mode, skip session check", "username", username)
		return true
	}
	if a.cache.Confirmed(ctx, username, sessionID) {
		return true
	}
	if a.provider == nil {
		a.log.Error("no identity provider configured; set NG_APP_ID or enable dev mode")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	valid, err := a.provider.CheckSession(ctx, username, sessionID)
	if err != nil {
		a.log.Warnw("session check failed", "username", username, "err", err)
		return false
	}
	if valid {
		a.cache.Confirm(ctx, username, sessionID)
	}
	return valid
}

func credentials(r *http.Request) (username, sessionID string, ok bool) {
	if r.Header.Get("Authorization") != "" {
		username, sessionID, ok = r.BasicAuth()
		return username, sessionID, ok
	}
	if token, found := accessToken(r); found {
		return decodeBasic(token)
	}
	q := r.URL.Query()
	username, sessionID = q.Get("username"), q.Get("session")
	return username, sessionID, username != "" && sessionID != ""
}

func accessToken(r *http.Request) (string, bool) {
	protocols := websocket.Subprotocols(r)
	for i := 0; i+1 < len(protocols); i++ {
		if protocols[i] == accessTokenProtocol {
			return protocols[i+1], true
		}
	}
	return "", false
}

func decodeBasic(token string) (username, sessionID string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		// 子协议 token 中不允许出现 '='，客户端常去掉填充
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(token, "="))
		if err != nil {
			return "", "", false
		}
	}
	username, sessionID, ok = strings.Cut(string(raw), ":")
	return username, sessionID, ok
}
