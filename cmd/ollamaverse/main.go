package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MqtUA/ollamaverse/internal/adapter/ollama"
	"github.com/MqtUA/ollamaverse/internal/adapter/store"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
	"github.com/MqtUA/ollamaverse/internal/infra/logger"
	"github.com/MqtUA/ollamaverse/internal/infra/tracer"
	"github.com/MqtUA/ollamaverse/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	var cfg config.Config
	if _, err := os.Stat(*cfgPath); os.IsNotExist(err) {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Persistence
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	conversations := store.NewConversationStore(db, log)
	settingsStore := store.NewSettingsStore(db, log)

	// 4. Backend client
	backend := ollama.NewClient(cfg.Server, log)

	// 5. Recovery + services
	recovery := usecase.NewRecoveryService(cfg.Recovery, log)
	state := usecase.NewChatStateManager(conversations, recovery, log)
	settings := usecase.NewSettingsService()
	models := usecase.NewModelManager(backend, recovery, log)
	streaming := usecase.NewStreamingService(backend, recovery, cfg.Generation.IdleTimeout, log)
	titles := usecase.NewTitleGenerator(backend, models, recovery, log)
	files := usecase.NewFileProcessingManager(cfg.Files, recovery, log)

	recovery.RegisterRecoveryStrategy(usecase.SubsystemStreaming, &usecase.ConnectionRetryStrategy{Backend: backend})
	recovery.RegisterRecoveryStrategy(usecase.SubsystemModelManager, &usecase.ModelReloadStrategy{Models: models})
	recovery.RegisterRecoveryStrategy(usecase.SubsystemTitles, &usecase.ConnectionRetryStrategy{Backend: backend})
	recovery.RegisterRecoveryStrategy(usecase.SubsystemChatState, &usecase.StateResetStrategy{State: state})
	recovery.RegisterRecoveryStrategy(usecase.SubsystemFiles, usecase.NoopStrategy{})
	recovery.RegisterRecoveryStrategy(usecase.SubsystemSettings, usecase.NoopStrategy{})

	// 6. Orchestrator
	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		State:         state,
		Settings:      settings,
		Streaming:     streaming,
		Models:        models,
		Titles:        titles,
		Files:         files,
		Recovery:      recovery,
		SettingsStore: settingsStore,
		Logger:        log,
		Generation:    cfg.Generation,
	})
	if err := orch.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer orch.Close()

	log.Info("ollamaverse started", "server", cfg.Server.BaseURL, "store", cfg.Store.Path)

	return repl(ctx, orch)
}

// repl drives the orchestrator from stdin: plain lines are sent as chat
// messages, slash commands manage conversations and generation.
func repl(ctx context.Context, orch *usecase.Orchestrator) error {
	go renderEvents(ctx, orch)

	fmt.Println("ollamaverse — type a message, /help for commands")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(ctx, orch, line); quit {
				return nil
			}
		}
	}
}

func dispatch(ctx context.Context, orch *usecase.Orchestrator, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		text, attachments := splitAttachments(line)
		if err := orch.SendMessage(ctx, text, attachments...); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		printHelp()
	case "new":
		conv, err := orch.CreateConversation(ctx, arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "new: %v\n", err)
			break
		}
		fmt.Printf("created %s (%s)\n", conv.ID, conv.Model)
	case "list":
		for _, c := range orch.Snapshot().Conversations {
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("  %s  %-12s  %s\n", c.ID, c.Model, title)
		}
	case "switch":
		if err := orch.SetActiveConversation(arg); err != nil {
			fmt.Fprintf(os.Stderr, "switch: %v\n", err)
		}
	case "delete":
		if err := orch.DeleteConversation(ctx, arg); err != nil {
			fmt.Fprintf(os.Stderr, "delete: %v\n", err)
		}
	case "models":
		if err := orch.RefreshModels(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "models: %v\n", err)
		}
		for _, m := range orch.Snapshot().Models {
			fmt.Printf("  %s\n", m)
		}
	case "cancel":
		orch.CancelGeneration()
	case "think":
		orch.ToggleThinking()
		fmt.Printf("thinking visible: %v\n", orch.Snapshot().ShowThinking)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: /%s\n", cmd)
	}
	return false
}

// splitAttachments peels trailing "+path" tokens off a message line, e.g.
// "summarize this +notes.txt +log.md".
func splitAttachments(line string) (string, []string) {
	fields := strings.Fields(line)
	var attachments []string
	end := len(fields)
	for end > 0 && strings.HasPrefix(fields[end-1], "+") && len(fields[end-1]) > 1 {
		attachments = append([]string{fields[end-1][1:]}, attachments...)
		end--
	}
	return strings.Join(fields[:end], " "), attachments
}

// renderEvents prints streamed text incrementally as snapshots arrive.
func renderEvents(ctx context.Context, orch *usecase.Orchestrator) {
	var printed, printedThinking int
	var lastErrAt time.Time
	generating := false

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-orch.Events():
			if !ok {
				return
			}
			if snap.ActiveGenerating {
				generating = true
				if snap.ShowThinking && len(snap.ThinkingText) > printedThinking {
					fmt.Print(snap.ThinkingText[printedThinking:])
					printedThinking = len(snap.ThinkingText)
				}
				if len(snap.StreamedText) > printed {
					fmt.Print(snap.StreamedText[printed:])
					printed = len(snap.StreamedText)
				}
			} else if generating {
				generating = false
				printed, printedThinking = 0, 0
				fmt.Println()
			}
			if snap.LastError != nil && snap.LastError.Timestamp.After(lastErrAt) {
				lastErrAt = snap.LastError.Timestamp
				fmt.Fprintf(os.Stderr, "\n[%s] %s\n", snap.LastError.Service, snap.LastError.Message)
			}
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  /new [model]     create a conversation (default: first available model)
  /list            list conversations
  /switch <id>     make a conversation active
  /delete <id>     delete a conversation
  /models          refresh and list models
  /cancel          cancel the running generation
  /think           toggle thinking-channel visibility
  /quit            exit

attach files by suffixing +path tokens: "explain this +main.go"`)
}
