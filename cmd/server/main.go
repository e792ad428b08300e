package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stemtube/backend"
	"stemtube/internal/api"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := backend.GetConfigPath()
	config, err := backend.LoadConfigWithEnv(configPath)
	if err != nil {
		backend.Logger.Warn("could not load config, using defaults", "error", err)
		config = backend.DefaultConfig()
	}

	logger := backend.InitLoggerWith(backend.LogOptions{
		Level: config.LogLevel,
		File:  config.LogFile,
	})
	logger.Info("StemTube server starting", "config", configPath)

	if config.OutputDirectory == "" {
		config.OutputDirectory = backend.GetDefaultOutputDirectory()
	}
	if err := os.MkdirAll(config.OutputDirectory, 0755); err != nil {
		logger.Warn("could not create output directory", "path", config.OutputDirectory, "error", err)
	}

	tools := backend.NewToolResolver(backend.GetBinPath(), config.ToolPaths)

	network, err := backend.NewNetworkProbe([]string{config.ProbeURL}, backend.DefaultProbeTimeout, config.ProxyURL)
	if err != nil {
		logger.Error("invalid network settings", "error", err)
		os.Exit(1)
	}

	var remediate backend.RemediateFunc
	if config.AutoInstall {
		remediate = backend.PipRemediation(config.PythonPath)
	}

	tempRoot := filepath.Join(os.TempDir(), "stemtube")
	supervisor := backend.NewSupervisor(backend.SupervisorOptions{
		Tools:     tools,
		Network:   network,
		Remediate: remediate,
		TempRoot:  tempRoot,
		Logger:    logger,
	})

	youtube := backend.NewYouTubeClient(tools, logger)
	history := backend.NewHistory()

	manager := backend.NewJobManager(backend.ManagerOptions{
		Supervisor:     supervisor,
		Network:        network,
		History:        history,
		Titles:         youtube,
		CookiesBrowser: config.CookiesBrowser,
		TempRoot:       tempRoot,
		ItemTimeout:    15 * time.Minute,
		Logger:         logger,
	})

	server := api.NewServer(api.Options{
		Config:     config,
		ConfigPath: configPath,
		Manager:    manager,
		History:    history,
		Playlists:  youtube,
		Tools:      tools,
		Logger:     logger,
	})
	manager.SetEventCallback(server.BroadcastJobEvent)

	for _, dep := range tools.CheckDependencies() {
		if !dep.Available {
			logger.Warn("external tool not found", "tool", dep.Tool, "error", dep.Error)
		}
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			logger.Warn("jobs did not stop in time", "error", err)
		}
		if err := server.Shutdown(); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
	}()

	logger.Info("server listening", "addr", config.ListenAddr)
	if err := server.Listen(config.ListenAddr); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
