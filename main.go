package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jpillora/opts"
	"go.uber.org/zap"

	"roomsync/newgrounds"
	"roomsync/server"
	"roomsync/store"
)

var version = "0.0.0-src" // 构建时通过 ldflags 设置

type flags struct {
	Config string `opts:"help=path to the YAML config file"`
	Addr   string `opts:"help=listen address, overrides server_port (e.g. :9000)"`
}

// roomsync 入口：加载配置，组装存储、认证、注册表与同步引擎，启动 HTTP + WebSocket 服务
func main() {
	f := flags{Config: "config.yaml"}
	opts.New(&f).Name("roomsync").Version(version).Parse()

	// .env 可选
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(f.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := server.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, f.Addr, log); err != nil {
		log.Errorw("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg server.Config, addr string, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabasePath, cfg.BackupDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var cache server.SessionCache = server.NewMemorySessionCache()
	if cfg.RedisAddr != "" {
		rdb, err := store.ConnectRedis(ctx, store.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer rdb.Close()
		cache = store.NewRedisSessionCache(rdb, time.Duration(cfg.SessionCacheTTL)*time.Second, log)
		log.Infow("using redis session cache", "addr", cfg.RedisAddr)
	}

	var provider server.IdentityProvider
	if cfg.NGAppID != "" {
		provider = newgrounds.New(cfg.NGAppID)
	}
	if cfg.DevMode {
		log.Warn("dev mode: session checks are skipped")
	}
	auth := server.NewAuthenticator(provider, cache, server.AuthOptions{DevMode: cfg.DevMode}, log)

	rooms, err := server.NewRoomDirectory(cfg.Rooms)
	if err != nil {
		return err
	}
	spawn, err := cfg.Spawn()
	if err != nil {
		return err
	}
	readLimit, err := cfg.MaxMessageBytes()
	if err != nil {
		return err
	}

	reg := server.NewRegistry(server.RegistryOptions{
		InboundRate:  cfg.InboundRate,
		InboundBurst: cfg.InboundBurst,
	}, log)
	writer := server.NewWriteBack(db, 0, log)
	writer.Start()
	engine := server.NewEngine(rooms, reg, db, writer, server.EngineOptions{
		TickPeriod:     cfg.TickPeriod(),
		WriteInterval:  cfg.WriteInterval(),
		BackupInterval: cfg.BackupEvery(),
		Spawn:          spawn,
	}, log)

	go engine.Run(ctx)

	if provider != nil && !cfg.DevMode {
		hb := server.NewHeartbeat(provider, reg, server.HeartbeatOptions{
			Interval:      cfg.HeartbeatEvery(),
			CheckInterval: cfg.HeartbeatCheckEvery(),
			Policy:        server.ExpiryPolicy(cfg.SessionExpiryPolicy),
		}, log)
		go hb.Run(ctx)
	}

	gateway := server.NewGateway(auth, reg, readLimit, log)
	handler := server.NewHandler(engine, reg, db, auth, gateway, server.HandlerOptions{
		AdminAuth: cfg.AdminAuth,
		AdminOpen: cfg.DevMode,
	}, log)

	if addr == "" {
		addr = ":" + strconv.Itoa(cfg.ServerPort)
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Infow("roomsync listening", "addr", addr, "tick_rate", cfg.TickRate, "rooms", len(cfg.Rooms))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	}

	// 优雅退出：断开所有连接（各自写回最终状态），再写回一次并等待持久化完成
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	reg.CloseAll(server.StatusShutdown, "server shutting down")
	engine.SaveNow()
	writer.Close()
	return nil
}
