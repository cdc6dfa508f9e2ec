package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sevlyar/go-daemon"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ntsal/ntsal/internal/rpc"
	"github.com/ntsal/ntsal/internal/sysclock"
	"github.com/ntsal/ntsal/pkg/ntsal"
)

const defaultConfigPath = "/etc/ntsal.yaml"
const defaultDriftPath = "/etc/ntsal.drift"
const defaultLogPath = "/var/log/ntsald.log"

func main() {
	var config string
	var drift string
	var logPath string
	var query string
	var check bool
	var noDaemon bool
	var httpAddr string
	flag.StringVar(&config, "config", defaultConfigPath, "Path to the config file.")
	flag.StringVar(&drift, "drift", defaultDriftPath, "Path to the drift file.")
	flag.StringVar(&logPath, "log", defaultLogPath, "Path to the log file.")
	flag.StringVar(&query, "query", "", "Address to query.")
	flag.StringVar(&query, "q", query, "Address to query.")
	flag.BoolVar(&check, "check", false, "Cross-check the query result against another client.")
	flag.BoolVar(&noDaemon, "no-daemon", false, "Don't run ntsald as a daemon.")
	flag.StringVar(&httpAddr, "http", "", "Address for the HTML status page (disabled when empty).")
	flag.Parse()

	if query != "" {
		handleQueryCommand(query, check)
		return
	}

	if !noDaemon {
		d, err := daemonCtx.Reborn()
		if err != nil {
			if errors.Is(err, daemon.ErrWouldBlock) {
				if err := killDaemon(); err != nil {
					log.Fatal(err)
				}
				fmt.Println("Successfully stopped ntsald daemon.")
				return
			}
			log.Fatal("Unable to run: ", err)
		}
		if d != nil {
			fmt.Printf("Daemon process (%s, %d) started successfully.\n", daemonName, d.Pid)
			return
		}
		defer daemonCtx.Release()
	}

	logger := newLogger(logPath, noDaemon)
	defer logger.Sync()

	cfg, err := ntsal.LoadConfig(config)
	if err != nil {
		logger.Fatal("configuration", zap.Error(err))
	}
	if cfg.DriftFile == "" {
		cfg.DriftFile = drift
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	system, err := ntsal.NewSystem(cfg, &sysclock.System{}, nil, logger)
	if err != nil {
		logger.Fatal("system setup", zap.Error(err))
	}
	if err := system.Start(ctx); err != nil {
		logger.Fatal("system start", zap.Error(err))
	}

	rpcServer := &rpc.Server{Socket: cfg.Socket, Source: system, Log: logger}
	go func() {
		if err := rpcServer.Listen(); err != nil {
			logger.Error("rpc server", zap.Error(err))
		}
	}()

	if httpAddr != "" {
		go serveStatusPage(httpAddr, system, logger)
	}

	logger.Info("ntsald started", zap.String("config", config))
	<-ctx.Done()

	rpcServer.Close()
	system.Stop()
	logger.Info("ntsald stopped")
}

func newLogger(path string, console bool) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if console {
		sink = zapcore.Lock(os.Stderr)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zap.InfoLevel)
	return zap.New(core)
}
