// Command callcore is an interactive calling client: it dials the signaling
// server, places and answers calls, publishes the microphone track to the
// recording server and drives server-side recording from a small REPL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voxline/callcore/internal/archive"
	"github.com/voxline/callcore/internal/call"
	"github.com/voxline/callcore/internal/config"
	"github.com/voxline/callcore/internal/media"
	"github.com/voxline/callcore/internal/producer"
	"github.com/voxline/callcore/internal/recording"
	sig "github.com/voxline/callcore/internal/signal"
)

// Application holds all wired components.
type Application struct {
	config    *config.Config
	logger    *zap.Logger
	channel   *sig.Channel
	engine    *media.PionEngine
	machine   *call.Machine
	publisher *producer.Manager
	recorder  *recording.Orchestrator
	metrics   *http.Server
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "loading .env failed: %v\n", err)
	}

	cfg := config.NewDefaultConfig()
	cfg.ApplyEnv()

	flag.StringVar(&cfg.ClientID, "id", cfg.ClientID, "client id on the signaling server")
	flag.StringVar(&cfg.SignalURL, "signal", cfg.SignalURL, "signaling websocket URL")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "prometheus listen address (empty disables)")
	flag.BoolVar(&cfg.Video, "video", cfg.Video, "capture camera video in addition to audio")
	flag.Parse()

	if cfg.ClientID == "" {
		cfg.ClientID = "client-" + uuid.NewString()[:8]
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	app.run(ctx)
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	engine, err := media.NewPionEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media engine: %w", err)
	}

	channel := sig.NewChannel(sig.Config{
		URL:       cfg.SignalURL,
		ClientID:  cfg.ClientID,
		Reconnect: cfg.Reconnect,
	}, logger)

	machine := call.NewMachine(call.Config{
		LocalID:      cfg.ClientID,
		GraceDelay:   cfg.Call.GraceDelay,
		PublishDelay: cfg.Call.PublishDelay,
	}, channel, engine, logger)

	publisher := producer.NewManager(producer.Config{
		CapabilityAttempts:      cfg.Producer.CapabilityAttempts,
		CapabilityTimeout:       cfg.Producer.CapabilityTimeout,
		CapabilityBackoff:       cfg.Producer.CapabilityBackoff,
		CapabilityFallbackURL:   cfg.CapabilityFallbackURL,
		CreateTransportTimeout:  cfg.Producer.CreateTransportTimeout,
		ConnectTransportTimeout: cfg.Producer.ConnectTransportTimeout,
		ProduceTimeout:          cfg.Producer.ProduceTimeout,
	}, channel, engine, logger)

	recorder := recording.NewOrchestrator(recording.Config{
		LocalChecks:        cfg.Recording.LocalChecks,
		LocalCheckInterval: cfg.Recording.LocalCheckInterval,
		RoomPollInterval:   cfg.Recording.RoomPollInterval,
		RoomPollDeadline:   cfg.Recording.RoomPollDeadline,
		RequestTimeout:     cfg.Recording.RequestTimeout,
	}, channel, machine, publisher, logger)

	machine.SetPublisher(publisher)
	machine.SetRecorder(recorder)

	app := &Application{
		config:    cfg,
		logger:    logger,
		channel:   channel,
		engine:    engine,
		machine:   machine,
		publisher: publisher,
		recorder:  recorder,
	}

	if cfg.Archive.Enabled {
		store, err := archive.NewStore(archive.Config{
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UseSSL:          cfg.Archive.UseSSL,
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Prefix:          cfg.Archive.Prefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive store: %w", err)
		}
		recorder.SetArchiver(store)
	}

	return app, nil
}

func (app *Application) Initialize(ctx context.Context) error {
	if err := app.channel.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	app.machine.Start()

	if app.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		app.metrics = &http.Server{Addr: app.config.MetricsAddr, Handler: mux}
		go func() {
			if err := app.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	app.logger.Info("ready",
		zap.String("client_id", app.config.ClientID),
		zap.String("signal", app.config.SignalURL))
	return nil
}

func (app *Application) Cleanup() {
	if app.machine != nil {
		app.machine.Close()
	}
	if app.channel != nil {
		app.channel.Close()
	}
	if app.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		app.metrics.Shutdown(shutdownCtx)
	}
}

func (app *Application) run(ctx context.Context) {
	go app.printEvents(ctx)

	fmt.Println("commands: call <id> | answer | reject | hangup | record start|stop | mute | camera | status | debug | quit")
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			app.hangupQuietly()
			return
		case line, ok := <-lines:
			if !ok {
				app.hangupQuietly()
				return
			}
			if app.handleCommand(ctx, strings.Fields(line)) {
				return
			}
		}
	}
}

func (app *Application) handleCommand(ctx context.Context, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "call":
		if len(args) < 2 {
			fmt.Println("usage: call <id>")
			return false
		}
		if err := app.machine.MakeCall(ctx, args[1], app.config.Video); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}
	case "answer":
		if err := app.machine.AnswerCall(ctx); err != nil {
			fmt.Printf("answer failed: %v\n", err)
		}
	case "reject":
		if err := app.machine.RejectCall(ctx); err != nil {
			fmt.Printf("reject failed: %v\n", err)
		}
	case "hangup":
		if err := app.machine.EndCall(ctx); err != nil {
			fmt.Printf("hangup failed: %v\n", err)
		}
	case "record":
		if len(args) < 2 {
			fmt.Println("usage: record start|stop")
			return false
		}
		app.record(ctx, args[1])
	case "mute":
		on, err := app.machine.ToggleMicrophone()
		if err != nil {
			fmt.Printf("mute failed: %v\n", err)
			return false
		}
		fmt.Printf("microphone enabled: %v\n", on)
	case "camera":
		on, err := app.machine.ToggleCamera()
		if err != nil {
			fmt.Printf("camera failed: %v\n", err)
			return false
		}
		fmt.Printf("camera enabled: %v\n", on)
	case "status":
		snap := app.machine.Snapshot()
		fmt.Printf("call: %s  room: %s  peer: %s  recording: %s  producer: %q\n",
			snap.State, snap.RoomID, snap.PeerState,
			app.recorder.Session().State, app.publisher.ProducerID())
	case "debug":
		snap := app.machine.Snapshot()
		if snap.RoomID == "" {
			fmt.Println("no active call")
			return false
		}
		status, err := app.recorder.DebugStatus(ctx, snap.RoomID)
		if err != nil {
			fmt.Printf("debug status failed: %v\n", err)
			return false
		}
		fmt.Printf("server recorder status: %s\n", status)
	case "quit", "exit":
		app.hangupQuietly()
		return true
	default:
		fmt.Printf("unknown command %q\n", args[0])
	}
	return false
}

func (app *Application) record(ctx context.Context, verb string) {
	switch verb {
	case "start":
		res := app.recorder.Start(ctx)
		if res.OK {
			fmt.Println("recording started")
			return
		}
		fmt.Printf("recording start failed: %v (retryable: %v)\n", res.Err, res.Retryable)
	case "stop":
		res := app.recorder.Stop(ctx)
		if res.OK {
			fmt.Printf("recording stopped: %s (%.1fs)\n", res.FileName, res.Duration)
			if res.DownloadURL != "" {
				fmt.Printf("download: %s\n", res.DownloadURL)
			}
			return
		}
		fmt.Printf("recording stop failed: %v\n", res.Err)
	default:
		fmt.Println("usage: record start|stop")
	}
}

func (app *Application) printEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-app.machine.Events():
			switch ev.Kind {
			case call.EventIncomingCall:
				fmt.Printf("\nincoming %s call from %s -- answer or reject?\n", ev.Media, ev.From)
			case call.EventConnected:
				fmt.Printf("\nconnected to %s, negotiating transport\n", ev.From)
			case call.EventEstablished:
				fmt.Printf("\ncall with %s established\n", ev.From)
			case call.EventRejected:
				fmt.Println("\ncall was rejected")
			case call.EventEnded:
				fmt.Printf("\ncall ended (%s)\n", ev.Reason)
			}
		}
	}
}

func (app *Application) hangupQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.machine.EndCall(ctx); err != nil && err != call.ErrNoActiveCall {
		app.logger.Warn("hangup on exit failed", zap.Error(err))
	}
}
