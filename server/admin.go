package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/NYTimes/gziphandler"
	"github.com/jpillora/cookieauth"
	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HandlerOptions AdminAuth 形如 user:pass，设置后管理接口需要认证；
// AdminOpen 在未设置认证时仍开放管理接口（开发模式）
type HandlerOptions struct {
	AdminAuth string
	AdminOpen bool
}

type api struct {
	engine   *Engine
	registry *Registry
	store    Store
	auth     HandshakeAuthenticator
	log      *zap.SugaredLogger
}

// NewHandler 组装 HTTP 入口：/ws 直连网关，其余只读快照、存档与管理接口经 gzip 与请求日志包装
func NewHandler(e *Engine, reg *Registry, store Store, auth HandshakeAuthenticator, ws http.Handler, opts HandlerOptions, log *zap.SugaredLogger) http.Handler {
	a := &api{engine: e, registry: reg, store: store, auth: auth, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /players", a.players)
	mux.HandleFunc("GET /rooms", a.rooms)
	mux.HandleFunc("GET /rooms/{id}", a.room)
	mux.HandleFunc("GET /saves", a.getSave)
	mux.HandleFunc("POST /saves", a.storeSave)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	admin := http.NewServeMux()
	admin.HandleFunc("POST /admin/broadcast", a.broadcast)
	admin.HandleFunc("POST /admin/kick", a.kick)
	admin.HandleFunc("GET /admin/list", a.list)
	admin.HandleFunc("POST /admin/save", a.save)
	admin.HandleFunc("GET /admin/stats", a.stats)
	if user, pass, ok := strings.Cut(opts.AdminAuth, ":"); ok {
		mux.Handle("/admin/", cookieauth.Wrap(admin, user, pass))
		log.Info("admin endpoints enabled with authentication")
	} else if opts.AdminOpen {
		mux.Handle("/admin/", admin)
		log.Warn("admin endpoints enabled without authentication")
	}

	root := http.NewServeMux()
	root.Handle("GET /ws", ws)
	root.Handle("/", requestlog.Wrap(gziphandler.GzipHandler(mux)))
	return root
}

func (a *api) players(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, a.engine.Users())
}

func (a *api) rooms(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, a.engine.Rooms())
}

// roomDetail 单个房间：成员按用户名索引
type roomDetail struct {
	ID         int                         `json:"id"`
	Name       string                      `json:"name"`
	Identifier string                      `json:"identifier"`
	Maps       []string                    `json:"maps"`
	Users      map[string]PlayerDefinition `json:"users"`
}

func (a *api) room(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Not found.", http.StatusNotFound)
		return
	}
	snap, ok := a.engine.Room(id)
	if !ok {
		http.Error(w, "Not found.", http.StatusNotFound)
		return
	}
	users := make(map[string]PlayerDefinition, len(snap.Users))
	for _, u := range snap.Users {
		users[u.Username] = u
	}
	writeData(w, http.StatusOK, roomDetail{
		ID:         snap.ID,
		Name:       snap.Name,
		Identifier: snap.Identifier,
		Maps:       snap.Maps,
		Users:      users,
	})
}

func (a *api) getSave(w http.ResponseWriter, r *http.Request) {
	id := a.auth.Authenticate(r)
	if !id.Valid {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	data, ok, err := a.store.GetSave(r.Context(), id.Username)
	if err != nil {
		a.log.Errorw("get save", "username", id.Username, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeData(w, http.StatusOK, nil)
		return
	}
	writeData(w, http.StatusOK, data)
}

type saveBody struct {
	Data *string `json:"data" validate:"required"`
}

func (a *api) storeSave(w http.ResponseWriter, r *http.Request) {
	id := a.auth.Authenticate(r)
	if !id.Valid {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var body saveBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := a.store.StoreSave(r.Context(), id.Username, *body.Data); err != nil {
		a.log.Errorw("store save", "username", id.Username, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type broadcastBody struct {
	Text       string `json:"text" validate:"required"`
	Persistent bool   `json:"persistent"`
}

// broadcast 对应管理命令 broadcast / broadcast_sticky
func (a *api) broadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastBody
	if !decodeBody(w, r, &body) {
		return
	}
	a.engine.Notify(body.Text, body.Persistent)
	writeData(w, http.StatusOK, map[string]any{"ok": true})
}

type kickBody struct {
	Username string `json:"username" validate:"required"`
}

func (a *api) kick(w http.ResponseWriter, r *http.Request) {
	var body kickBody
	if !decodeBody(w, r, &body) {
		return
	}
	if !a.registry.Kick(body.Username) {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, a.engine.List())
}

func (a *api) save(w http.ResponseWriter, r *http.Request) {
	n := a.engine.SaveNow()
	writeData(w, http.StatusOK, map[string]any{"users": n})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, a.engine.Stats())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, schemaError(err).Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}
