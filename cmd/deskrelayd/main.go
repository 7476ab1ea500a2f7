package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lanternops/deskrelay/internal/clienthandler"
	"github.com/lanternops/deskrelay/internal/config"
	"github.com/lanternops/deskrelay/internal/inputport"
	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/queuemanager"
	"github.com/lanternops/deskrelay/internal/secmem"
	"github.com/lanternops/deskrelay/internal/servermanager"
	"github.com/lanternops/deskrelay/internal/services"
	"github.com/lanternops/deskrelay/internal/threadmanager"
)

const version = "0.1.0"

var cfgFile string

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "deskrelayd",
	Short: "DeskRelay remote desktop server",
	Long:  `DeskRelay server - captures, encodes, and streams the local desktop to a single authenticated viewer.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServer())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deskrelayd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/deskrelay/deskrelay.yaml)")

	rootCmd.PersistentFlags().Int("port", 0, "TCP port to listen on")
	rootCmd.PersistentFlags().String("password", "", "viewer password (empty disables authentication)")
	rootCmd.PersistentFlags().Int("capture-queue-cap", 0, "capture queue capacity")
	rootCmd.PersistentFlags().Int("processed-queue-cap", 0, "processed queue capacity")

	rootCmd.PersistentFlags().Bool("diagnostics", false, "enable the diagnostics sidecar")
	rootCmd.PersistentFlags().Int("diagnostics-interval", 0, "diagnostics snapshot interval, in seconds")
	rootCmd.PersistentFlags().String("diagnostics-provider", "", "diagnostics sink: local or s3")
	rootCmd.PersistentFlags().String("diagnostics-path", "", "diagnostics local sink directory")

	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (empty logs to stdout only)")

	bindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	bindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	bindPFlag("capture_queue_cap", rootCmd.PersistentFlags().Lookup("capture-queue-cap"))
	bindPFlag("processed_queue_cap", rootCmd.PersistentFlags().Lookup("processed-queue-cap"))
	bindPFlag("diagnostics_enabled", rootCmd.PersistentFlags().Lookup("diagnostics"))
	bindPFlag("diagnostics_interval_seconds", rootCmd.PersistentFlags().Lookup("diagnostics-interval"))
	bindPFlag("diagnostics_provider", rootCmd.PersistentFlags().Lookup("diagnostics-provider"))
	bindPFlag("diagnostics_local_path", rootCmd.PersistentFlags().Lookup("diagnostics-path"))
	bindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	bindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(versionCmd)
}

func bindPFlag(key string, flag *pflag.Flag) {
	_ = viper.BindPFlag(key, flag)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// fixedScreenInfo reports a fixed 1920x1080, 32-bit display geometry for
// HANDSHAKE_RESPONSE. It is not derived from the capture stage, whose
// synthetic frames default to 640x480.
func fixedScreenInfo() (width, height, colorDepth uint32) {
	return 1920, 1080, 32
}

// runServer loads configuration, wires the Services context and the
// ServerManager, and blocks until an OS signal requests shutdown. Returns
// the process exit code per the error taxonomy (0 normal, 1 config error,
// 2 bind failure, 3 internal fatal).
func runServer() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	initLogging(cfg)
	log.Info("starting deskrelayd", "version", version, "port", cfg.Port)

	svc, err := services.New(cfg, threadmanager.Events{}, queuemanager.Events{})
	if err != nil {
		log.Error("failed to build services", "error", err)
		return 1
	}

	shutdownCtx, cancelShutdown := context.WithCancel(context.Background())
	defer cancelShutdown()
	svc.Start(shutdownCtx)
	defer svc.Shutdown()

	captureCfg := pipeline.CaptureConfig{
		FrameRate:        cfg.FrameRate,
		Quality:          cfg.Quality,
		HighDefinition:   cfg.HighDefinition,
		AntiAliasing:     cfg.AntiAliasing,
		HighScaleQuality: cfg.HighScaleQuality,
		MaxQueueSize:     cfg.CaptureQueueCap,
	}

	// startupResult is signaled at most once, by whichever of
	// OnServerStarted/OnServerError fires first for this bind attempt, so
	// runServer can map an async bind failure onto a synchronous exit code.
	startupResult := make(chan error, 1)
	var startupOnce sync.Once

	sm := servermanager.New(
		svc.ThreadManager, svc.QueueManager,
		nil, cfg.SyntheticCapture, captureCfg,
		inputport.NoopHandler{}, clienthandler.ScreenInfo(fixedScreenInfo),
		1, "deskrelayd", runtime.GOOS,
		cfg.ParallelismDegree, jpegQualityFromFraction(cfg.Quality),
		servermanager.Events{
			OnServerStarted: func(port int) {
				log.Info("listening", "port", port)
				startupOnce.Do(func() { startupResult <- nil })
			},
			OnServerError: func(err error) {
				log.Error("server error", "error", err)
				startupOnce.Do(func() { startupResult <- err })
			},
			OnClientAuthenticated: func(addr string) { log.Info("client authenticated", "remote", addr) },
			OnClientDisconnected:  func(addr string) { log.Info("client disconnected", "remote", addr) },
			OnServerStopped:       func() { log.Info("server stopped") },
		},
	)

	var password *secmem.SecureString
	if cfg.Password != "" {
		password = secmem.NewSecureString(cfg.Password)
		cfg.Password = ""
		defer password.Zero()
	}

	if err := sm.StartServer(cfg.Port, password); err != nil {
		log.Error("failed to start server", "error", err)
		return 2
	}

	select {
	case err := <-startupResult:
		if err != nil {
			return 2
		}
	case <-time.After(5 * time.Second):
		log.Error("timed out waiting for server to start")
		return 2
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancelShutdown()

	done := make(chan struct{})
	go func() {
		sm.GracefulShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Error("graceful shutdown timed out")
		return 3
	}

	log.Info("deskrelayd stopped")
	return 0
}

func jpegQualityFromFraction(q float64) int {
	if q <= 0 {
		return 85
	}
	pct := int(q * 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}
