// Package newgrounds 通过 Newgrounds.io 网关校验玩家会话并保活
package newgrounds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGateway Newgrounds.io v3 网关
const DefaultGateway = "https://www.newgrounds.io/gateway_v3.php"

var ErrGateway = errors.New("newgrounds: gateway call failed")

// Client 实现 server.IdentityProvider
type Client struct {
	appID   string
	gateway string
	http    *http.Client
}

type Option func(*Client)

// WithGateway 测试时指向 httptest 服务
func WithGateway(u string) Option {
	return func(c *Client) { c.gateway = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(appID string, opts ...Option) *Client {
	c := &Client{
		appID:   appID,
		gateway: DefaultGateway,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type request struct {
	AppID     string  `json:"app_id"`
	SessionID string  `json:"session_id,omitempty"`
	Execute   execute `json:"execute"`
}

type execute struct {
	Component string `json:"component"`
}

type response struct {
	Success bool `json:"success"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
	Result struct {
		Data struct {
			Success bool `json:"success"`
			Error   *struct {
				Message string `json:"message"`
			} `json:"error"`
			Session *struct {
				Expired bool `json:"expired"`
				User    *struct {
					Name string `json:"name"`
				} `json:"user"`
			} `json:"session"`
		} `json:"data"`
	} `json:"result"`
}

// CheckSession 会话存在、未过期且属于 username 时返回 true
func (c *Client) CheckSession(ctx context.Context, username, sessionID string) (bool, error) {
	res, err := c.call(ctx, "App.checkSession", sessionID)
	if err != nil {
		return false, err
	}
	if !res.Success || !res.Result.Data.Success {
		return false, nil
	}
	s := res.Result.Data.Session
	if s == nil || s.Expired || s.User == nil {
		return false, nil
	}
	return s.User.Name == username, nil
}

// Ping 保持会话活跃；网关报告失败时返回错误
func (c *Client) Ping(ctx context.Context, sessionID string) error {
	res, err := c.call(ctx, "Gateway.ping", sessionID)
	if err != nil {
		return err
	}
	if !res.Success {
		msg := "unsuccessful response"
		if res.Error != nil && res.Error.Message != "" {
			msg = res.Error.Message
		}
		return fmt.Errorf("%w: ping: %s", ErrGateway, msg)
	}
	return nil
}

// call 网关要求表单字段 request 携带 JSON 请求体
func (c *Client) call(ctx context.Context, component, sessionID string) (*response, error) {
	body, err := json.Marshal(request{
		AppID:     c.appID,
		SessionID: sessionID,
		Execute:   execute{Component: component},
	})
	if err != nil {
		return nil, err
	}
	form := url.Values{"request": {string(body)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gateway, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGateway, component, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrGateway, component, resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s: decode: %v", ErrGateway, component, err)
	}
	return &out, nil
}
