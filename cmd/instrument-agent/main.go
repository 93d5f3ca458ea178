package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guseggert/remoteinstrument/agent"
	"github.com/guseggert/remoteinstrument/agent/echo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "INSTRUMENT_AGENT_"

func main() {
	app := &cli.App{
		Name:  "instrument-agent",
		Usage: "serves instruments to remote proxies over mTLS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "on-heartbeat-failure",
				Usage:   "Action to take on a heartbeat failure. One of [exit,none].",
				Value:   "none",
				EnvVars: []string{envPrefix + "ON_HEARTBEAT_FAILURE"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-timeout",
				Usage:   "Duration to wait for a heartbeat before the heartbeat failure action.",
				Value:   1 * time.Minute,
				EnvVars: []string{envPrefix + "HEARTBEAT_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "127.0.0.1:8080",
				EnvVars: []string{envPrefix + "LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				Required: true,
				EnvVars:  []string{envPrefix + "CA_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The cert PEM bytes to use (base64-encoded).",
				Required: true,
				EnvVars:  []string{envPrefix + "CERT_PEM"},
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The key PEM bytes to use (base64-encoded).",
				Required: true,
				EnvVars:  []string{envPrefix + "KEY_PEM"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{envPrefix + "LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			caCertPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}

			var heartbeatFailureHandler func()
			onHeartbeatFailure := ctx.String("on-heartbeat-failure")
			switch onHeartbeatFailure {
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			logLevel, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logConfig := zap.NewProductionConfig()
			logConfig.Level = zap.NewAtomicLevelAt(logLevel)
			logger, err := logConfig.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			backend := echo.New(echo.WithLogger(logger))
			a, err := agent.NewInstrumentAgent(
				backend,
				caCertPEMBytes,
				certPEMBytes,
				keyPEMBytes,
				agent.WithLogger(logger),
				agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
