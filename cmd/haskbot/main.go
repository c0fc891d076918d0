package main

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/itstheanurag/haskbot/internal/bot"
	"github.com/itstheanurag/haskbot/internal/config"
	"github.com/itstheanurag/haskbot/internal/executor"
	"github.com/itstheanurag/haskbot/internal/format"
	"github.com/itstheanurag/haskbot/internal/languages"
	"github.com/itstheanurag/haskbot/internal/limiter"
	"github.com/itstheanurag/haskbot/internal/queue"
	"github.com/itstheanurag/haskbot/internal/report"
	"github.com/itstheanurag/haskbot/internal/sandbox"
	"github.com/itstheanurag/haskbot/internal/server"
	"github.com/itstheanurag/haskbot/internal/worker"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	conf, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(conf.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Sandbox backend
	sb, compiler, closeSandbox := newSandbox(ctx, conf.Sandbox, &logger)
	defer closeSandbox()

	// 2. Pipeline
	registry := languages.NewRegistry(compiler)
	pipeline := executor.NewExecutor(registry, sb, executor.Options{
		WorkRoot:      conf.Sandbox.WorkspaceRoot,
		CompileLimits: limits(conf.Sandbox.Compile),
		RunLimits:     limits(conf.Sandbox.Run),
	}, &logger)

	// 3. Admission and rate limiting
	gate := queue.NewGate(conf.Queue.MaxConcurrent, conf.Queue.AdmissionTimeout)
	rl := limiter.NewRateLimiter(conf.Limiter.GlobalRPS, conf.Limiter.PerRequesterRPS, conf.Limiter.PerRequesterBurst)
	rl.StartCleanup(ctx, 10*time.Minute)

	// 4. Reports
	publisher, history := newPublisher(ctx, conf.Reports, &logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close report publishers")
		}
	}()

	service := worker.NewService(pipeline, gate, rl, publisher, format.Options{
		MaxMessageBytes: conf.Discord.MaxMessageBytes,
		RunTimeLimit:    conf.Sandbox.Run.MaxWallTime,
	}, &logger)

	// 5. HTTP surface
	var srv *server.Server
	if conf.Server.Enabled {
		srv = server.New(conf.Server, service, registry, history, &logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error().Err(err).Msg("server crashed")
				stop()
			}
		}()
	}

	// 6. Discord gateway
	var gateway bot.Gateway
	if conf.Discord.Token != "" {
		gw, err := bot.NewDiscordGateway(conf.Discord.Token, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create discord gateway")
		}
		if err := gw.Open(ctx, bot.NewHandler(service, gw, &logger)); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to discord")
		}
		gateway = gw
	}

	logger.Info().
		Str("backend", conf.Sandbox.Backend).
		Int("max_concurrent", gate.Capacity()).
		Bool("discord", gateway != nil).
		Bool("http", srv != nil).
		Msg("haskbot started")

	// graceful shutdown: cancelling ctx kills running sandboxes, then drain
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}

	// Replies to drained requests still go out through the gateway.
	service.Wait()

	if gateway != nil {
		if err := gateway.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close discord gateway")
		}
	}
}

func newLogger(conf config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(conf.Level)
	if err != nil || conf.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if conf.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func limits(c config.LimitsConfig) sandbox.Limits {
	return sandbox.Limits{
		MaxWallTime:    c.MaxWallTime,
		MaxCPUTime:     c.MaxCPUTime,
		MaxMemoryBytes: c.MaxMemoryBytes,
		MaxOutputBytes: c.MaxOutputBytes,
	}
}

// newSandbox fails fast when the toolchain is not usable. The returned
// compiler is the path to invoke inside the sandbox.
func newSandbox(ctx context.Context, conf config.SandboxConfig, logger *zerolog.Logger) (sandbox.Sandbox, string, func()) {
	if conf.Backend == "docker" {
		sb, err := sandbox.NewDockerSandbox(conf.DockerImage, conf.WorkspaceRoot, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create docker sandbox")
		}
		if err := sb.EnsureImage(ctx); err != nil {
			logger.Fatal().Err(err).Str("image", conf.DockerImage).Msg("failed to ensure docker image")
		}
		return sb, conf.Compiler, func() { _ = sb.Close() }
	}

	compiler, err := exec.LookPath(conf.Compiler)
	if err != nil {
		logger.Fatal().Err(err).Str("compiler", conf.Compiler).Msg("compiler not found")
	}
	if err := sandbox.PrepareHost(); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare host for process sandbox")
	}
	if os.Geteuid() == 0 && conf.Process.UID == 0 {
		logger.Warn().Msg("process sandbox children run as root; set sandbox.process.uid")
	}
	logger.Warn().
		Str("compiler", compiler).
		Bool("isolate", conf.Process.Isolate).
		Uint32("uid", conf.Process.UID).
		Msg("using process sandbox: untrusted code runs on this host")

	return sandbox.NewProcessSandbox(sandbox.ProcessOptions{
		Root:         conf.WorkspaceRoot,
		PollInterval: conf.MemoryPollInterval,
		Isolate:      conf.Process.Isolate,
		UID:          conf.Process.UID,
		GID:          conf.Process.GID,
	}, logger), compiler, func() {}
}

// newPublisher wires the configured report sinks. The Postgres sink doubles
// as execution history for the HTTP API.
func newPublisher(ctx context.Context, conf config.ReportsConfig, logger *zerolog.Logger) (report.Publisher, server.History) {
	var sinks report.Multi
	var history server.History

	if conf.PostgresDSN != "" {
		db, err := report.NewPostgres(ctx, conf.PostgresDSN, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create database")
		}
		sinks = append(sinks, db)
		history = db
	}

	if len(conf.KafkaBrokers) > 0 {
		k, err := report.NewKafka(report.KafkaConfig{Brokers: conf.KafkaBrokers, Topic: conf.KafkaTopic})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create kafka publisher")
		}
		sinks = append(sinks, k)
	}

	if len(sinks) == 0 {
		return report.Nop{}, history
	}
	return sinks, history
}
