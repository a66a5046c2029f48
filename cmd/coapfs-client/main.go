package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgekit/coapfs"
	"github.com/edgekit/coapfs/internal/config"
	"github.com/edgekit/coapfs/internal/events"
	"github.com/edgekit/coapfs/internal/platform"
)

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func main() {
	server := flag.String("server", "127.0.0.1:5683", "server address")
	dataDir := flag.String("data", "client-data", "directory for received files")
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stderrLogger := zerolog.New(os.Stderr)
		stderrLogger.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg.Log)

	storage, err := platform.NewDir(*dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open data dir")
	}

	sinks := events.Multi{events.LogSink{Logger: logger}}
	if cfg.NATS.URL != "" {
		ns, err := events.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}

	client := &coapfs.Client{
		Server:  *server,
		Storage: storage,
		Logger:  logger,
		Sink:    sinks,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readCommands(ctx, client, logger, stop)

	if err := client.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("client loop")
	}
}

const usage = `commands:
  sub                  subscribe to button notifications
  unsub                cancel the subscription
  actuators <state>    set actuators, e.g. LED=ON,BUZZER=OFF
  status               read the actuator state
  append <line>        append a line to the server's text file
  fetch [sel]          fetch lines: "N" or "start,end" (default first 5)
  pull [image]         download the server's file or image
  quit`

// readCommands turns stdin lines into client requests. Each request
// blocks until its exchange finishes, which is fine here: the loop
// itself never waits on us.
func readCommands(ctx context.Context, client *coapfs.Client, logger zerolog.Logger, stop func()) {
	fmt.Println(usage)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg := line, ""
		if i := strings.IndexByte(line, ' '); i >= 0 {
			cmd, arg = line[:i], strings.TrimSpace(line[i+1:])
		}

		var err error
		switch cmd {
		case "sub":
			err = client.Subscribe("buttons")
		case "unsub":
			err = client.Unsubscribe("buttons")
		case "actuators":
			err = client.Put("actuators", []byte(arg))
		case "status":
			var state []byte
			if state, err = client.Get("actuators"); err == nil {
				fmt.Println(string(state))
			}
		case "append":
			err = client.Append(arg)
		case "fetch":
			var lines []byte
			if lines, err = client.Fetch(arg); err == nil {
				fmt.Print(string(lines))
			}
		case "pull":
			var dest string
			if dest, err = client.PullFile(arg == "image"); err == nil {
				fmt.Printf("stored %s\n", dest)
			}
		case "quit", "exit":
			stop()
			return
		case "help":
			fmt.Println(usage)
		default:
			fmt.Println("unknown command; try help")
		}
		if err != nil {
			logger.Error().Err(err).Str("command", cmd).Msg("request failed")
		}
	}
}
