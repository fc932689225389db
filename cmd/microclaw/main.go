package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/microclaw/microclaw/pkg/agent"
	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/channels"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/cron"
	"github.com/microclaw/microclaw/pkg/heartbeat"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/session"
	"github.com/microclaw/microclaw/pkg/state"
	"github.com/microclaw/microclaw/pkg/subagent"
	"github.com/microclaw/microclaw/pkg/tools"
)

const version = "0.1.0"

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		cmdRun(args)
	case "chat":
		cmdChat(args)
	case "status":
		cmdStatus(args)
	case "init":
		cmdInit(args)
	case "version":
		fmt.Printf("microclaw %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`microclaw - personal AI assistant

Usage:
  microclaw [command] [flags]

Commands:
  run      Start the assistant with all configured channels (default)
  chat     Interactive chat in the terminal
  status   Show configuration and runtime state
  init     Write a default config file
  version  Print version

Flags:
  -c path  Config file (default ~/.microclaw/config.json)
`)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".microclaw", "config.json")
}

func configFlag(args []string, name string) (*config.Config, string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("c", defaultConfigPath(), "config file")
	_ = fs.Parse(args)

	cfg, err := config.LoadConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *path, err)
		fmt.Fprintln(os.Stderr, "run `microclaw init` to create one")
		os.Exit(1)
	}
	return cfg, *path
}

func setupLogging(cfg *config.Config) {
	if !cfg.Logging.FileEnabled {
		return
	}
	path := expandPath(cfg.Logging.FilePath)
	if path == "" {
		path = filepath.Join(cfg.WorkspacePath(), "microclaw.log")
	}
	err := logger.EnableFileLoggingWithRotation(path,
		cfg.Logging.RotationEnabled, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "file logging disabled: %v\n", err)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func cmdRun(args []string) {
	cfg, cfgPath := configFlag(args, "run")
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	messageBus := bus.NewMessageBusWithSize(cfg.Agents.Defaults.BusQueueSize)
	sessions := session.NewManager(cfg.SessionsPath())
	stateMgr := state.NewManager(cfg.StatePath())

	loop := agent.NewAgentLoop(cfg, messageBus, sessions, stateMgr)

	subMgr := subagent.NewManager(ctx, cfg, messageBus, loop.Failover())
	if err := loop.Registry().Register(tools.NewSpawnTool(subMgr)); err != nil {
		logger.WarnCF("main", "Failed to register spawn tool", map[string]interface{}{"error": err.Error()})
	}

	if cfg.Cron.Enabled {
		cronSvc := cron.NewService(cfg.StatePath(), messageBus)
		cronSvc.Start(ctx)
		if err := loop.Registry().Register(tools.NewCronTool(cronSvc)); err != nil {
			logger.WarnCF("main", "Failed to register cron tool", map[string]interface{}{"error": err.Error()})
		}
	}

	var mcpMgr *tools.MCPManager
	if cfg.Tools.MCP.Enabled {
		mcpMgr = tools.NewMCPManager(ctx, cfg.Tools.MCP.Servers)
		for _, t := range mcpMgr.Tools() {
			if err := loop.Registry().Register(t); err != nil {
				logger.WarnCF("main", "Failed to register MCP tool", map[string]interface{}{
					"tool": t.Name(), "error": err.Error(),
				})
			}
		}
	}

	if cfg.Heartbeat.Enabled {
		heartbeat.NewService(messageBus, stateMgr, cfg.WorkspacePath(), cfg.Heartbeat.Interval).Start(ctx)
	}

	chMgr, err := channels.NewManager(cfg, messageBus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "channel setup failed: %v\n", err)
		os.Exit(1)
	}
	if chMgr.Count() == 0 {
		fmt.Fprintln(os.Stderr, "no channels enabled; enable one in", cfgPath, "or use `microclaw chat`")
		os.Exit(1)
	}

	messageBus.Dispatch(ctx)
	chMgr.StartAll(ctx)

	logger.InfoCF("main", "microclaw started", map[string]interface{}{
		"version":  version,
		"channels": strings.Join(chMgr.Names(), ","),
		"model":    cfg.Agents.Defaults.Model,
	})

	loop.Run(ctx)

	// ctx is cancelled, wind everything down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	chMgr.StopAll(shutdownCtx)
	loop.Stop()
	subMgr.Shutdown()
	if mcpMgr != nil {
		mcpMgr.Close()
	}
	messageBus.Wait()
	logger.InfoC("main", "microclaw stopped")
}

func cmdChat(args []string) {
	cfg, _ := configFlag(args, "chat")
	logger.SetConsoleEnabled(false)
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	messageBus := bus.NewMessageBus()
	sessions := session.NewManager(cfg.SessionsPath())
	stateMgr := state.NewManager(cfg.StatePath())
	loop := agent.NewAgentLoop(cfg, messageBus, sessions, stateMgr)

	rl, err := readline.New("you> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("microclaw %s - type /exit to quit, /clear to reset the session\n", version)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			break
		}

		reply, err := loop.ProcessDirect(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if reply != "" {
			fmt.Println(reply)
		}
	}
}

func cmdStatus(args []string) {
	cfg, cfgPath := configFlag(args, "status")
	stateMgr := state.NewManager(cfg.StatePath())
	fs := stateMgr.GetFailoverState()

	fmt.Printf("microclaw %s\n", version)
	fmt.Printf("config:    %s\n", cfgPath)
	fmt.Printf("workspace: %s\n", cfg.WorkspacePath())
	fmt.Printf("model:     %s\n", cfg.Agents.Defaults.Model)
	if fs.ActiveModel != "" && fs.ActiveModel != cfg.Agents.Defaults.Model {
		fmt.Printf("active:    %s (failover mode %s)\n", fs.ActiveModel, fs.Mode)
	}

	var enabled []string
	if cfg.Channels.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	if cfg.Channels.Discord.Enabled {
		enabled = append(enabled, "discord")
	}
	if cfg.Channels.Slack.Enabled {
		enabled = append(enabled, "slack")
	}
	if cfg.Channels.WhatsApp.Enabled {
		enabled = append(enabled, "whatsapp")
	}
	if len(enabled) == 0 {
		fmt.Println("channels:  none enabled")
	} else {
		fmt.Printf("channels:  %s\n", strings.Join(enabled, ", "))
	}
	fmt.Printf("cron:      %v\n", cfg.Cron.Enabled)
	fmt.Printf("heartbeat: %v\n", cfg.Heartbeat.Enabled)

	if channel, chatID := stateMgr.LastConversation(); channel != "" {
		fmt.Printf("last chat: %s:%s\n", channel, chatID)
	}
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("c", defaultConfigPath(), "config file")
	_ = fs.Parse(args)

	if _, err := os.Stat(*path); err == nil {
		fmt.Printf("config already exists at %s\n", *path)
		return
	}

	cfg := config.DefaultConfig()
	if err := os.MkdirAll(filepath.Dir(*path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create config dir: %v\n", err)
		os.Exit(1)
	}
	if err := config.SaveConfig(*path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}

	workspace := cfg.WorkspacePath()
	for _, dir := range []string{workspace, filepath.Join(workspace, "memory"), filepath.Join(workspace, "skills")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create workspace: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("wrote %s\n", *path)
	fmt.Printf("workspace at %s\n", workspace)
	fmt.Println("add an API key under providers, enable a channel, then run `microclaw`")
}
