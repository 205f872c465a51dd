// gamecode-chat - A terminal chat client with token-budgeted context.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	stdctx "context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/jeranaias/gamecode-chat/internal/api"
	"github.com/jeranaias/gamecode-chat/internal/config"
	"github.com/jeranaias/gamecode-chat/internal/notebook"
	"github.com/jeranaias/gamecode-chat/internal/session"
	"github.com/jeranaias/gamecode-chat/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "config file path (default ~/.gamecode/config.toml)")
		provider    = flag.String("provider", "", "override the inference provider")
		modelName   = flag.String("model", "", "override the model")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("gamecode-chat %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *provider != "" {
		cfg.Chat.Provider = *provider
	}
	if *modelName != "" {
		cfg.Chat.Model = *modelName
	}

	if err := run(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// =============================================================================
// WIRING
// =============================================================================

// openStore builds the conversation store selected by the config. A nil
// store is valid and means the session runs without persistence.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "none":
		return nil, nil

	case "sqlite":
		dir, err := cfg.Storage.DataDir()
		if err != nil {
			return nil, err
		}
		return storage.NewSQLiteStore(filepath.Join(dir, "chat.db"))

	default:
		dir, err := cfg.Storage.DataDir()
		if err != nil {
			return nil, err
		}
		store, err := storage.NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.MaxConversations > 0 {
			store.MaxConversations = cfg.Storage.MaxConversations
		}
		return store, nil
	}
}

func engineConfig(cfg *config.Config) session.Config {
	ec := session.DefaultConfig()
	ec.Provider = cfg.Chat.Provider
	ec.Model = cfg.Chat.Model
	ec.SystemPrompt = cfg.Chat.SystemPrompt
	ec.Temperature = cfg.Chat.Temperature
	ec.MaxTokens = cfg.Chat.MaxTokens
	ec.Context.MaxContextTokens = cfg.Context.MaxContextTokens
	ec.Context.AutoCompressThreshold = cfg.Context.AutoCompressThreshold
	return ec
}

func run(cfg *config.Config, configPath string) error {
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: storage unavailable (%v), running without persistence\n", err)
		store = nil
	}
	if store != nil {
		defer store.Close()
	}

	client := api.NewClient(cfg.Server.BaseURL, api.StaticToken(cfg.Server.AuthToken)).
		WithProvider(cfg.Chat.Provider).
		WithModel(cfg.Chat.Model)

	engine := session.NewEngine(engineConfig(cfg), client, store)

	// Live config reload only touches the per-turn parameters; the
	// context budget of the running conversation is left alone.
	if path := resolveConfigPath(configPath); path != "" {
		watcher, err := config.NewWatcher(path, func(next *config.Config) {
			engine.UpdateTurnParams(
				next.Chat.Provider,
				next.Chat.Model,
				next.Chat.SystemPrompt,
				next.Chat.Temperature,
				next.Chat.MaxTokens,
			)
		})
		if err == nil {
			if err := watcher.Watch(); err == nil {
				defer watcher.Close()
			}
		}
	}

	repl, err := newREPL(engine, cfg)
	if err != nil {
		return err
	}
	defer repl.Close()

	return repl.Run()
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	path, err := config.ConfigPath()
	if err != nil {
		return ""
	}
	return path
}

// =============================================================================
// REPL
// =============================================================================

const historyFileName = "chat_history"

type repl struct {
	line        *liner.State
	engine      *session.Engine
	cfg         *config.Config
	historyFile string

	mu     sync.Mutex
	cancel stdctx.CancelFunc

	// replay holds rolled-back input to pre-fill the next prompt after
	// an expired session.
	replay string
}

func newREPL(engine *session.Engine, cfg *config.Config) (*repl, error) {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	r := &repl{line: line, engine: engine, cfg: cfg}

	if dir, err := config.ConfigDir(); err == nil {
		if err := os.MkdirAll(dir, 0755); err == nil {
			r.historyFile = filepath.Join(dir, historyFileName)
			if f, err := os.Open(r.historyFile); err == nil {
				line.ReadHistory(f)
				f.Close()
			}
		}
	}

	engine.SetOnDelta(func(delta string) {
		fmt.Print(delta)
	})

	return r, nil
}

func (r *repl) Close() {
	r.saveHistory()
	r.line.Close()
}

func (r *repl) saveHistory() {
	if r.historyFile == "" {
		return
	}
	f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	r.line.WriteHistory(f)
}

// Run drives the prompt loop until the user quits or input ends.
func (r *repl) Run() error {
	fmt.Printf("gamecode-chat %s - /help for commands, /quit to exit\n\n", Version)

	// Ctrl+C during a turn cancels the in-flight request instead of
	// killing the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			r.mu.Lock()
			if r.cancel != nil {
				r.cancel()
			}
			r.mu.Unlock()
		}
	}()

	for {
		input, err := r.readInput()
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		if trimmed == "exit" || trimmed == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}
		if strings.HasPrefix(trimmed, "/") {
			if !r.handleCommand(trimmed) {
				fmt.Println("Goodbye!")
				return nil
			}
			continue
		}

		r.submit(input)
	}
}

func (r *repl) readInput() (string, error) {
	var input string
	var err error
	if r.replay != "" {
		input, err = r.line.PromptWithSuggestion("> ", r.replay, len(r.replay))
		r.replay = ""
	} else {
		input, err = r.line.Prompt("> ")
	}
	if err == nil && strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, err
}

// submit runs one chat turn, streaming the response to stdout.
func (r *repl) submit(input string) {
	ctx, cancel := stdctx.WithCancel(stdctx.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
	}()

	err := r.engine.Submit(ctx, input)
	fmt.Println()

	if err == nil {
		return
	}
	if errors.Is(err, session.ErrTurnInFlight) {
		fmt.Println("A turn is already in flight.")
		return
	}
	if errors.Is(err, api.ErrAuthExpired) {
		// The submission was rolled back; pre-fill it on the next
		// prompt so nothing typed is lost.
		r.replay = r.engine.PendingInput()
	}
	if msg := lastErrorMessage(r.engine); msg != "" {
		fmt.Println(msg)
	} else {
		fmt.Printf("Error: %v\n", err)
	}
}

func lastErrorMessage(engine *session.Engine) string {
	cells := engine.Log().Cells()
	for i := len(cells) - 1; i >= 0; i-- {
		if cells[i].Kind == notebook.CellError {
			return cells[i].Message
		}
	}
	return ""
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleCommand dispatches a slash command. Returns false when the REPL
// should exit.
func (r *repl) handleCommand(input string) bool {
	parts := strings.Fields(input)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/quit", "/exit":
		return false

	case "/help":
		r.printHelp()

	case "/new":
		id := r.engine.NewConversation()
		fmt.Printf("Started new conversation %s\n", shortID(id))

	case "/list":
		r.listConversations()

	case "/load":
		if len(args) != 1 {
			fmt.Println("Usage: /load <id>")
			break
		}
		r.loadConversation(r.resolveID(args[0]))

	case "/delete":
		if len(args) != 1 {
			fmt.Println("Usage: /delete <id>")
			break
		}
		if err := r.engine.Delete(r.resolveID(args[0])); err != nil {
			fmt.Printf("Delete failed: %v\n", err)
			break
		}
		fmt.Println("Deleted.")

	case "/compress":
		if r.engine.Compress() {
			fmt.Printf("Compressed. Context now %d tokens across %d messages.\n",
				r.engine.Context().TotalTokens(), r.engine.Context().ActiveMessageCount())
		} else {
			fmt.Println("Nothing to compress.")
		}

	case "/status":
		r.printStatus()

	default:
		fmt.Printf("Unknown command %s - /help for commands\n", cmd)
	}
	return true
}

func (r *repl) printHelp() {
	fmt.Println(`Commands:
  /new            start a new conversation
  /list           list saved conversations
  /load <id>      resume a saved conversation
  /delete <id>    delete a saved conversation
  /compress       compress older context into a summary
  /status         show context usage and conversation info
  /quit           exit`)
}

func (r *repl) listConversations() {
	refs, err := r.engine.List(r.cfg.Storage.ListLimit)
	if err != nil {
		fmt.Printf("List failed: %v\n", err)
		return
	}
	if len(refs) == 0 {
		fmt.Println("No saved conversations.")
		return
	}
	for _, ref := range refs {
		marker := " "
		if ref.ID == r.engine.ID() {
			marker = "*"
		}
		fmt.Printf("%s %s  %-40s  %s  %s\n",
			marker, shortID(ref.ID), ref.Title,
			ref.ModifiedAt.Format("2006-01-02 15:04"), ref.Preview)
	}
}

func (r *repl) loadConversation(id string) {
	if err := r.engine.Load(id); err != nil {
		fmt.Printf("Load failed: %v\n", err)
		return
	}
	fmt.Printf("Resumed %q\n\n", r.engine.Title())
	for _, cell := range r.engine.Log().Cells() {
		switch cell.Kind {
		case notebook.CellUserInput:
			fmt.Printf("> %s\n", cell.Text)
		case notebook.CellResponse:
			fmt.Printf("%s\n\n", cell.Text)
		case notebook.CellError:
			fmt.Printf("! %s\n\n", cell.Message)
		}
	}
}

func (r *repl) printStatus() {
	ctx := r.engine.Context()
	fmt.Printf("Conversation: %s (%s)\n", r.engine.Title(), shortID(r.engine.ID()))
	fmt.Printf("Context: %d tokens (%.0f%% of budget), %d active messages, %d summaries\n",
		ctx.TotalTokens(), ctx.UsagePercentage(),
		ctx.ActiveMessageCount(), ctx.SummaryCount())
	if n := ctx.CompressionCount(); n > 0 {
		fmt.Printf("Compressions this conversation: %d\n", n)
	}
	fmt.Printf("Provider: %s", r.cfg.Chat.Provider)
	if r.cfg.Chat.Model != "" {
		fmt.Printf(", model %s", r.cfg.Chat.Model)
	}
	fmt.Println()
}

// resolveID expands a short ID prefix (as printed by /list) back to the
// full conversation ID when the match is unambiguous.
func (r *repl) resolveID(arg string) string {
	refs, err := r.engine.List(0)
	if err != nil {
		return arg
	}
	match := arg
	count := 0
	for _, ref := range refs {
		if ref.ID == arg {
			return arg
		}
		if strings.HasPrefix(ref.ID, arg) {
			match = ref.ID
			count++
		}
	}
	if count == 1 {
		return match
	}
	return arg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
