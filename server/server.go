package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chenxilol/wscast/configs"
	"github.com/chenxilol/wscast/internal/metrics"
	"github.com/chenxilol/wscast/internal/session"
	"github.com/chenxilol/wscast/pkg/auth"
	"github.com/chenxilol/wscast/pkg/bus"
	hubnats "github.com/chenxilol/wscast/pkg/bus/nats"
	"github.com/chenxilol/wscast/pkg/bus/noop"
	hubredis "github.com/chenxilol/wscast/pkg/bus/redis"
	"github.com/chenxilol/wscast/pkg/hub"
	"github.com/chenxilol/wscast/pkg/ws"
)

// 最大管理接口请求体
const maxBroadcastBody = 1 << 20

var logLevel = new(slog.LevelVar)

// Options 服务器配置选项
type Options struct {
	// WebSocket监听地址，默认 ":60000"
	Address string

	// 管理接口地址，为空时不启动
	AdminAddress string

	// 是否启用集群模式，默认 false
	EnableCluster bool

	// 消息总线类型: "nats", "redis", "noop"，默认 "noop"
	BusType string

	NATSConfig  *hubnats.Config
	RedisConfig *hubredis.Config

	// 管理接口JWT认证
	EnableAuth   bool
	JWTSecretKey string
	JWTIssuer    string

	ReadBufferSize int // 单次读取大小，默认 4KB
	MaxBufferSize  int // 未处理数据上限，默认 16MB
	QueueCap       int // 每个连接的广播队列长度，默认 100

	// 日志级别: "debug", "info", "warn", "error"，默认 "info"
	LogLevel string
}

type Server struct {
	config      configs.Config
	authService *auth.JWTService
	messageBus  bus.MessageBus
	hub         *hub.Hub

	listener      net.Listener
	adminListener net.Listener
	adminServer   *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
}

// NewServer 根据Options创建服务器
func NewServer(opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	fillDefaults(opts)
	config := buildConfig(opts)
	SetupLogging(config.Log.Level)
	return New(config)
}

// New 根据完整配置创建服务器，不修改日志设置
func New(config configs.Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*session.Session]struct{}),
	}

	if err := s.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) initComponents() error {
	if s.config.Cluster.Enabled {
		messageBus, err := createMessageBus(s.config.Cluster)
		if err != nil {
			return fmt.Errorf("failed to create message bus: %w", err)
		}
		s.messageBus = messageBus
		slog.Info("cluster mode enabled", "bus_type", s.config.Cluster.BusType)
	}

	if s.config.Auth.Enabled {
		s.authService = auth.NewJWTService(s.config.Auth.SecretKey, s.config.Auth.Issuer)
	}

	s.hub = hub.NewHub(s.messageBus, s.config.Server.Hub)
	return nil
}

// Hub 返回服务器使用的Hub
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Addr WebSocket监听的实际地址，Start之前为nil
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr 管理接口监听的实际地址，未启用时为nil
func (s *Server) AdminAddr() net.Addr {
	if s.adminListener == nil {
		return nil
	}
	return s.adminListener.Addr()
}

// Start 开始监听，立即返回
func (s *Server) Start() error {
	metrics.Default()

	ln, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Server.Addr, err)
	}
	s.listener = ln

	if s.config.Server.AdminAddr != "" {
		if err := s.startAdmin(); err != nil {
			_ = ln.Close()
			return err
		}
	}

	slog.Info("Starting wscast server",
		"address", ln.Addr().String(),
		"admin_address", s.config.Server.AdminAddr,
		"node_id", s.hub.NodeID(),
		"version", s.config.Version)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed, retrying", "error", err)
			metrics.RecordError()
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	sess := session.New(conn, s.hub, s.config.Server.Session)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()

		if err := sess.Serve(s.ctx); err != nil {
			slog.Debug("session ended with error", "remote_addr", conn.RemoteAddr().String(), "error", err)
		}
	}()
}

func (s *Server) startAdmin() error {
	ln, err := net.Listen("tcp", s.config.Server.AdminAddr)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", s.config.Server.AdminAddr, err)
	}
	s.adminListener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/connections", s.requirePermission(auth.PermReadConnections, s.handleConnections))
	mux.HandleFunc("/api/broadcast", s.requirePermission(auth.PermSendMessage, s.handleBroadcast))

	s.adminServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.adminServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin HTTP server error", "error", err)
		}
	}()
	return nil
}

// Shutdown 停止接受新连接，关闭所有会话和Hub
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down wscast server...")

	if s.listener != nil {
		_ = s.listener.Close()
	}

	var errs []error
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}

	// 取消ctx会关闭所有会话的连接
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		remaining := len(s.sessions)
		s.mu.Unlock()
		errs = append(errs, fmt.Errorf("%d sessions still open: %w", remaining, ctx.Err()))
	}

	if err := s.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}

	return errors.Join(errs...)
}

// SessionCount 当前打开的TCP会话数，包括尚未升级的
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) requirePermission(perm auth.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authService == nil {
			next(w, r)
			return
		}

		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			metrics.RecordAuthFailure()
			writeError(w, http.StatusUnauthorized, "token required")
			return
		}
		// Authenticate 自行记录成功与失败
		claims, err := s.authService.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !auth.HasPermission(claims, perm) {
			slog.Warn("admin request denied", "subject", claims.Subject, "permission", perm, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, auth.ErrPermissionDenied.Error())
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     s.config.Version,
		"node_id":     s.hub.NodeID(),
		"connections": s.hub.Count(),
		"time":        time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET method is allowed")
		return
	}
	ids := s.hub.IDs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(ids),
		"connections": ids,
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message field cannot be empty")
		return
	}

	n, err := s.hub.Broadcast(ws.BuildFrame(true, ws.OpText, []byte(req.Message)))
	if err != nil {
		slog.Error("Failed to broadcast message via API", "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to broadcast message")
		return
	}
	slog.Info("admin broadcast", "size", len(req.Message), "recipients", n)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func fillDefaults(opts *Options) {
	if opts.Address == "" {
		opts.Address = ":60000"
	}
	if opts.BusType == "" {
		opts.BusType = "noop"
	}
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = session.DefaultConfig().ReadBufferSize
	}
	if opts.MaxBufferSize == 0 {
		opts.MaxBufferSize = session.DefaultConfig().MaxBufferSize
	}
	if opts.QueueCap == 0 {
		opts.QueueCap = hub.DefaultQueueCap
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "info"
	}
	if opts.JWTIssuer == "" {
		opts.JWTIssuer = "wscast"
	}
}

func buildConfig(opts *Options) configs.Config {
	config := configs.NewDefaultConfig()

	config.Server.Addr = opts.Address
	config.Server.AdminAddr = opts.AdminAddress
	config.Server.Session.ReadBufferSize = opts.ReadBufferSize
	config.Server.Session.MaxBufferSize = opts.MaxBufferSize
	config.Server.Hub.QueueCap = opts.QueueCap

	config.Cluster.Enabled = opts.EnableCluster
	config.Cluster.BusType = opts.BusType
	if opts.NATSConfig != nil {
		config.Cluster.NATS = *opts.NATSConfig
	}
	if opts.RedisConfig != nil {
		config.Cluster.Redis = *opts.RedisConfig
	}

	config.Auth.Enabled = opts.EnableAuth
	config.Auth.SecretKey = opts.JWTSecretKey
	config.Auth.Issuer = opts.JWTIssuer

	config.Log.Level = opts.LogLevel
	return config
}

// SetupLogging 安装JSON日志处理器，级别之后可通过SetLogLevel调整
func SetupLogging(level string) {
	SetLogLevel(level)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel 运行时调整日志级别，用于配置热更新
func SetLogLevel(level string) {
	logLevel.Set(configs.ParseLogLevel(level))
}

func createMessageBus(cluster configs.Cluster) (bus.MessageBus, error) {
	switch cluster.BusType {
	case "nats":
		return hubnats.New(cluster.NATS)
	case "redis":
		return hubredis.New(cluster.Redis)
	case "noop":
		return noop.New(), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", cluster.BusType)
	}
}
