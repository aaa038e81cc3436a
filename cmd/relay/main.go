package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/wfunc/room-sync/internal/api"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/database"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/logger"
	"github.com/wfunc/room-sync/internal/relay"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 中继服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	hub     *relay.Hub
	tickets *relay.TicketManager
	http    *http.Server
	errCh   chan error
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("配置校验失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.WithModule("relay"),
		errCh:  make(chan error, 1),
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动房间同步中继...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	if err := s.initDatabase(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化数据库失败")
	}

	s.hub = relay.NewHub(relay.OptionsFrom(s.cfg.Relay), logger.WithModule("hub"))
	s.tickets = relay.NewTicketManager(s.cfg.Security.JWT)
	if !s.tickets.Enabled() {
		s.logger.Warn("未配置security.jwt.secret，中继不校验连接票据")
	}

	router := api.NewRouter(api.Deps{
		DB:      database.GetDB(),
		Hub:     s.hub,
		Tickets: s.tickets,
		Relay:   s.cfg.Relay,
		Log:     logger.WithModule("api"),
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:        addr,
		Handler:     router.Handler(),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// WebSocket长连接由中继自己控制写超时
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- err
		}
	}()

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", addr),
		zap.String("relay", s.cfg.Relay.Path),
	)
	return nil
}

// initDatabase 初始化数据库，房间查询接口依赖它
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return err
	}
	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(); err != nil {
			return err
		}
	}
	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}
	return nil
}

// WaitForShutdown 等待关闭信号或监听失败
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case err := <-s.errCh:
		s.logger.Error("HTTP服务异常退出", zap.Error(err))
	}
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 已升级的WebSocket连接不受http.Server.Shutdown管理
	s.hub.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.ErrTimeout, "关闭超时")
	}

	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}
	return nil
}

// reloadConfig 重新加载配置，目前只应用日志级别
func (s *Server) reloadConfig(newCfg *config.Config) {
	if newCfg.Log.Level != s.cfg.Log.Level {
		logger.SetLevel(newCfg.Log.Level)
		s.logger.Info("日志级别已更新", zap.String("level", newCfg.Log.Level))
	}
	s.cfg = newCfg
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("房间同步中继\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
