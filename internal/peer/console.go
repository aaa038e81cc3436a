package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/logger"
	"github.com/wfunc/room-sync/internal/protocol"
	"github.com/wfunc/room-sync/internal/session"
	"go.uber.org/zap"
)

const prompt = "room> "

// Console 交互式控制台，打印会话回调并把命令转给会话
type Console struct {
	out io.Writer
	mu  sync.Mutex

	s *session.Session
}

// NewConsole 创建控制台
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// Attach 绑定会话
func (c *Console) Attach(s *session.Session) {
	c.s = s
}

func (c *Console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Callbacks 打印每一个会话回调
func (c *Console) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnConnectionChange: func(connected bool, peers int) {
			c.printf("* connected=%v peers=%d\n", connected, peers)
		},
		OnPlayersChange: func(players []protocol.PlayerInfo) {
			names := make([]string, len(players))
			for i, p := range players {
				names[i] = p.Name
			}
			c.printf("* players (%d): %s\n", len(players), strings.Join(names, ", "))
		},
		OnAction: func(a protocol.Action) {
			c.printf("* action %s from %s: %s\n", a.Type, shortID(a.PlayerID), string(a.Payload))
			c.logEvent("action", zap.String("type", a.Type), zap.String("from", a.PlayerID))
		},
		OnStateReceived: func(state json.RawMessage) {
			c.printf("* state received: %s\n", string(state))
			c.logEvent("state_received", zap.Int("bytes", len(state)))
		},
		OnError: func(msg string) {
			c.printf("! %s\n", msg)
		},
	}
}

func (c *Console) logEvent(event string, fields ...zap.Field) {
	if c.s == nil {
		return
	}
	logger.LogSyncEvent(event, c.s.RoomID(), c.s.PeerID(), fields...)
}

// Exec 执行一行命令，返回是否退出
func (c *Console) Exec(ctx context.Context, line string) (bool, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrInvalidParam, "命令解析失败")
	}
	if len(args) == 0 {
		return false, nil
	}
	if c.s == nil {
		return false, errors.New(errors.ErrSessionNotConnected, "未绑定会话")
	}

	switch args[0] {
	case "action":
		if len(args) < 2 {
			return false, errors.New(errors.ErrInvalidParam, "用法: action <type> [json]")
		}
		in := protocol.ActionInput{Type: args[1]}
		if len(args) > 2 {
			payload := []byte(strings.Join(args[2:], " "))
			if !json.Valid(payload) {
				return false, errors.New(errors.ErrInvalidParam, "动作负载不是合法JSON")
			}
			in.Payload = payload
		}
		return false, c.s.DispatchAction(ctx, in)

	case "state":
		if len(args) < 2 {
			return false, errors.New(errors.ErrInvalidParam, "用法: state <json>")
		}
		state := []byte(strings.Join(args[1:], " "))
		if !protocol.ValidSnapshot(state) {
			return false, errors.New(errors.ErrInvalidSnapshot, "快照必须是非null的JSON")
		}
		c.s.UpdateGameState(state)
		return false, nil

	case "show":
		c.printf("room=%s peer=%s creator=%v synced=%v state=%s\n",
			c.s.RoomID(), shortID(c.s.PeerID()), c.s.IsCreator(), c.s.HasReceivedInitialState(), string(c.s.State()))
		return false, nil

	case "players":
		for _, p := range c.s.Players() {
			c.printf("  %s  %s  %s\n", shortID(p.ID), p.Name, p.Color)
		}
		return false, nil

	case "help":
		c.printf("commands: action <type> [json] | state <json> | show | players | quit\n")
		return false, nil

	case "quit", "exit":
		return true, nil

	default:
		return false, errors.Newf(errors.ErrInvalidParam, "未知命令: %s", args[0])
	}
}

// Run 逐行读取命令直到 quit、输入结束或ctx取消
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf(prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := c.Exec(ctx, strings.TrimSpace(line))
			if err != nil {
				c.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
			c.printf(prompt)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
