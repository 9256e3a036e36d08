package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chenxilol/wscast/configs"
	"github.com/chenxilol/wscast/pkg/auth"
	"github.com/chenxilol/wscast/server"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "配置文件路径")
	addr       = flag.String("addr", "", "覆盖 server.addr")
	adminAddr  = flag.String("admin", "", "覆盖 server.admin_addr")
	printToken = flag.Bool("token", false, "签发一个管理接口令牌并退出")
)

func main() {
	flag.Parse()

	cfg, err := configs.LoadConfig(*configFile, func(c configs.Config) {
		server.SetLogLevel(c.Log.Level)
	})
	if err != nil {
		slog.Error("Failed to load config", "file", *configFile, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *adminAddr != "" {
		cfg.Server.AdminAddr = *adminAddr
	}

	server.SetupLogging(cfg.Log.Level)

	if *printToken {
		if err := issueAdminToken(cfg); err != nil {
			slog.Error("Failed to issue admin token", "error", err)
			os.Exit(1)
		}
		return
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("Received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func issueAdminToken(cfg configs.Config) error {
	if cfg.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is empty")
	}
	svc := auth.NewJWTService(cfg.Auth.SecretKey, cfg.Auth.Issuer)
	token, err := svc.GenerateToken(context.Background(), "admin", []auth.Permission{auth.PermAdminSystem}, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
