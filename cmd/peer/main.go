package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/logger"
	"github.com/wfunc/room-sync/internal/peer"
	"github.com/wfunc/room-sync/internal/protocol"
	"github.com/wfunc/room-sync/internal/session"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	roomCode string
	roomName string
	stateArg string
)

const (
	playerNameKey  = "peer.player_name"
	playerColorKey = "peer.player_color"
	transportKey   = "peer.transport"
	logLevelKey    = "peer.log_level"
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "房间同步对等端",
	Long: `peer 以房主或加入者身份连接一个同步房间，并进入交互式控制台。

控制台命令:
  action <type> [json]   广播一个动作
  state <json>           更新本地快照（节流写入存储）
  show                   查看会话状态
  players                查看在线玩家
  quit                   离开房间`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(cfgFile); err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		cfg := config.Get()
		if t := viper.GetString(transportKey); t != "" {
			cfg.Sync.Transport = t
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := logger.Init(&cfg.Log); err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
		logger.SetLevel(viper.GetString(logLevelKey))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "以房主身份创建房间",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := peer.LoadState(stateArg)
		if err != nil {
			return err
		}
		if roomCode == "" {
			roomCode = peer.NewRoomCode()
		}
		return run(cmd.Context(), state)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "加入已有房间",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().String("player", "", "玩家名")
	rootCmd.PersistentFlags().String("color", "#4a90e2", "玩家颜色")
	rootCmd.PersistentFlags().String("transport", "", "同步传输方式 relay/redis/memory（覆盖配置）")
	rootCmd.PersistentFlags().String("log-level", "warn", "日志级别")

	viper.BindPFlag(playerNameKey, rootCmd.PersistentFlags().Lookup("player"))
	viper.BindPFlag(playerColorKey, rootCmd.PersistentFlags().Lookup("color"))
	viper.BindPFlag(transportKey, rootCmd.PersistentFlags().Lookup("transport"))
	viper.BindPFlag(logLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("ROOM_SYNC")
	viper.AutomaticEnv()

	createCmd.Flags().StringVar(&roomName, "name", "", "房间名")
	createCmd.Flags().StringVar(&roomCode, "room", "", "房间号（默认随机生成）")
	createCmd.Flags().StringVar(&stateArg, "state", "", "初始快照：JSON文本或文件路径")
	createCmd.MarkFlagRequired("name")
	createCmd.MarkFlagRequired("state")

	joinCmd.Flags().StringVar(&roomCode, "room", "", "房间号")
	joinCmd.MarkFlagRequired("room")

	rootCmd.AddCommand(createCmd, joinCmd)
}

// run 连接房间并运行控制台，直到quit或收到退出信号
func run(parent context.Context, initial []byte) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	log := logger.WithModule("peer")

	env, err := peer.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer env.Close()

	player := viper.GetString(playerNameKey)
	if player == "" {
		player, _ = os.Hostname()
	}

	console := peer.NewConsole(os.Stdout)
	s := session.New(session.Options{
		RoomID:       roomCode,
		RoomName:     roomName,
		InitialState: initial,
		Player: protocol.PlayerInfo{
			Name:  player,
			Color: viper.GetString(playerColorKey),
		},
		Transport: env.Transport,
		Store:     env.Store,
		Config:    cfg.Sync,
		Logger:    logger.WithModule("session"),
		Callbacks: console.Callbacks(),
	})
	console.Attach(s)

	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer s.Destroy()

	log.Info("已进入房间",
		zap.String("room", roomCode),
		zap.String("peer", s.PeerID()),
		zap.Bool("creator", s.IsCreator()),
	)
	fmt.Printf("room %s (%s), type 'help' for commands\n", roomCode, cfg.Sync.Transport)
	return console.Run(ctx, os.Stdin)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
