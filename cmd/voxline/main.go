package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/voxline/internal/assembler"
	"github.com/antoniostano/voxline/internal/assistant"
	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/audio/miniaudio"
	"github.com/antoniostano/voxline/internal/chat"
	"github.com/antoniostano/voxline/internal/config"
	"github.com/antoniostano/voxline/internal/httpapi"
	"github.com/antoniostano/voxline/internal/memory"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/policy"
	"github.com/antoniostano/voxline/internal/provider/openai"
	"github.com/antoniostano/voxline/internal/realtime"
	"github.com/antoniostano/voxline/internal/settings"
	"github.com/antoniostano/voxline/internal/tools"
)

const settingsPollInterval = time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	severity, err := observability.ParseSeverity(cfg.LogLevel)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	shutdownLogs, err := observability.SetupLogging(os.Stderr, severity)
	if err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownLogs(flushCtx)
	}()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	recorder := observability.NewRecorder(metrics, observability.NewLatencyWindow(256))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory store init failed: %v", err)
	}
	defer memoryStore.Close()
	chatLog := chat.NewLog(memoryStore)
	if cfg.ChatRedactPII {
		chatLog.WithRedaction(policy.RedactPII)
	}

	registry := tools.NewRegistry(metrics)
	for _, tool := range tools.Builtins() {
		registry.Register(tool, nil)
	}
	contexts := assembler.NewContextRegistry()

	settingsSource := settings.NewFileSource(cfg.SettingsPath)
	initial, err := settingsSource.Current(ctx)
	if err != nil {
		log.Printf("settings unavailable at %s: %v", settingsSource.Path(), err)
	}

	var completer any
	var transcriber audio.Transcriber
	if cfg.OpenAIAPIKey != "" {
		client := openai.New(openai.Config{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			ChatModel: cfg.OpenAIChatModel,
			STTModel:  cfg.OpenAISTTModel,
			Streaming: cfg.OpenAIStreamCompletions,
		})
		completer = client
		transcriber = client
		log.Printf("chat model: %s (streaming=%t)", client.Model(), client.Streaming())
	} else {
		log.Printf("OPENAI_API_KEY not set; request/response completion disabled")
	}

	// The server is built early so realtime state changes can reach sockets.
	var api *httpapi.Server
	publish := func(component, state, detail string) {
		if api != nil {
			api.PublishState(component, state, detail)
		}
	}

	var session *realtime.Session
	var live assistant.LiveModel
	if cfg.RealtimeEnabled() {
		var player realtime.Player
		if cfg.AudioDevice != "none" {
			speaker, err := miniaudio.NewSpeaker(24000)
			if err != nil {
				log.Printf("playback unavailable: %v", err)
			} else {
				defer speaker.Close()
				player = speaker
			}
		}
		session = realtime.New(realtime.Config{
			URL:                cfg.RealtimeURL,
			Header:             openai.RealtimeHeader(cfg.OpenAIAPIKey, cfg.RealtimeAzure),
			ServerVAD:          cfg.RealtimeServerVAD,
			Azure:              cfg.RealtimeAzure,
			InPlaceUpdate:      cfg.RealtimeInPlaceUpdate,
			MultiToolCalls:     cfg.RealtimeMultiToolCalls,
			TranscriptionModel: cfg.OpenAISTTModel,
			ConnectTimeout:     cfg.RealtimeConnectTimeout,
			ReconcileInterval:  cfg.RealtimeReconcileInterval,
		}, realtime.Options{
			Source:   assistant.SessionSource(settingsSource, registry),
			Catalog:  registry,
			Executor: registry,
			Chat:     chatLog,
			Player:   player,
			Observer: recorder,
			Metrics:  metrics,
			OnState: func(st realtime.State) {
				publish("realtime", st.String(), "")
			},
		})
		defer session.Close()
		live = session
	}

	selector, err := assistant.NewSelector(cfg.AssistantMode, live, completer)
	if err != nil {
		log.Fatalf("assistant mode %q: %v", cfg.AssistantMode, err)
	}
	log.Printf("assistant mode: %s (active: %s)", selector.Mode(), selector.Describe())

	conversation := assistant.New(assistant.Options{
		Model:     selector.Active,
		Settings:  settingsSource,
		Catalog:   registry,
		Executor:  registry,
		Chat:      chatLog,
		Context:   contexts,
		Assembler: assembler.New(contexts, metrics),
		Observer:  recorder,
		Retries:   2,
	})

	var opener audio.DeviceOpener
	if cfg.AudioDevice != "none" {
		opener = miniaudio.Open
	}
	pipeline := audio.NewPipeline(audio.Options{
		SampleRate:      cfg.AudioSampleRate,
		FrameBytes:      cfg.AudioFrameBytes,
		PreSpeechFrames: cfg.AudioPreSpeechFrames,
		WakeWordMode:    initial.Wake.Enabled,
		RecordingsDir:   cfg.RecordingsDir,
		Open:            opener,
		Handoff: audio.Handoff{
			Mode:         selector.Active,
			Transcriber:  transcriber,
			OnTranscript: conversation.HandleTranscript,
			Warn:         chatLog.Warn,
		},
		Metrics:  metrics,
		Observer: recorder,
	})
	vad := audio.NewEnergyVAD(initial.VAD.VADConfig(), 16000)
	pipeline.Register(vad, audio.Registration{Kind: audio.KindVAD})
	if session != nil {
		pipeline.Register(session, audio.Registration{Kind: audio.KindRealtime})
	}

	deps := httpapi.Deps{
		Context:      ctx,
		Pipeline:     pipeline,
		Conversation: conversation,
		Chat:         chatLog,
		Mode:         selector,
		Latency:      recorder,
		Metrics:      metrics,
	}
	if session != nil {
		deps.Realtime = session
	}
	api = httpapi.New(cfg, deps)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	if session != nil {
		if err := session.Start(ctx); err != nil {
			log.Printf("realtime connect failed, retrying in background: %v", err)
		}
	}
	pipeline.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		settings.Watch(gctx, settingsSource, settingsPollInterval, func(s settings.Settings) {
			vad.SetConfig(s.VAD.VADConfig())
			pipeline.SetWakeWordMode(s.Wake.Enabled)
			publish("settings", "applied", settingsSource.Path())
		})
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Printf("listen error: %v", err)
	}
	pipeline.Cancel()
	log.Printf("shutdown complete")
}
