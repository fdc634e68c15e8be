package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gaspardpetit/qmaster/api/control"
	commoncfg "github.com/gaspardpetit/qmaster/core/config"
	"github.com/gaspardpetit/qmaster/core/logx"
	"github.com/gaspardpetit/qmaster/core/reconnect"
	"github.com/gaspardpetit/qmaster/sdk/client"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

var errDropped = errors.New("connection to master lost before finish")

func main() {
	master := flag.String("master", commoncfg.GetEnv("MASTER_URL", "ws://localhost:8080"), "master address")
	clientKey := flag.String("client-key", commoncfg.GetEnv("CLIENT_KEY", ""), "shared key presented in hello")
	retries := flag.Int("retries", 3, "dial attempts before giving up (0 retries forever)")
	dialTimeout := flag.Duration("dial-timeout", 10*time.Second, "timeout of each dial attempt")
	logLevel := flag.String("log-level", commoncfg.GetEnv("LOG_LEVEL", "info"), "log verbosity (all, debug, info, warn, error, fatal, none)")
	logFormat := flag.String("log-format", commoncfg.GetEnv("LOG_FORMAT", "console"), "log format (console, json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "usage: qcontrol [flags] <path> <priority>\n\nqcontrol version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("qcontrol version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(*logLevel, *logFormat)

	path, priority, err := parseArgs(flag.Args())
	if err != nil {
		flag.Usage()
		logx.Log.Fatal().Err(err).Msg("invalid arguments")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var qc *client.Control
	err = reconnect.Retry(ctx, *retries, func(ctx context.Context) error {
		dctx, dcancel := context.WithTimeout(ctx, *dialTimeout)
		defer dcancel()
		c, err := client.DialControl(dctx, *master, *clientKey, path, priority)
		if err != nil {
			logx.Log.Warn().Err(err).Str("master", *master).Msg("dial master")
			return err
		}
		qc = c
		return nil
	})
	if err != nil {
		logx.Log.Error().Err(err).Msg("giving up")
		os.Exit(1)
	}
	logx.Log.Info().Str("path", path).Uint32("priority", priority).Msg("query submitted")

	reason, err := follow(ctx, qc)
	_ = qc.Close()
	if err != nil {
		logx.Log.Error().Err(err).Msg("query did not finish")
		os.Exit(1)
	}
	logx.Log.Info().Str("reason", reason).Msg("query finished")
}

func parseArgs(args []string) (string, uint32, error) {
	if len(args) != 2 {
		return "", 0, errors.New("expected <path> <priority>")
	}
	p, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("priority: %w", err)
	}
	return args[0], uint32(p), nil
}

// follow logs relayed reads until the finish arrives. Interrupting returns
// ctx's error, and closing the session then cancels the query on the master.
func follow(ctx context.Context, qc *client.Control) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-qc.Events():
			if !ok {
				if err := qc.Err(); err != nil {
					return "", fmt.Errorf("%w: %v", errDropped, err)
				}
				return "", errDropped
			}
			switch ev.Type {
			case control.TypeRead:
				logx.Log.Info().Str("tag", ev.Tag).Str("content", ev.Content).Msg("read")
			case control.TypeFinish:
				return ev.Reason, nil
			}
		}
	}
}
