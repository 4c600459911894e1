package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"relaychat/internal/chat"
	"relaychat/internal/config"
	"relaychat/internal/logging"
	"relaychat/internal/store"
	"relaychat/internal/stream"
)

var (
	// Global flags
	verbose    bool
	configPath string
	chatID     string
	modeFlag   string
	modelFlag  string
	thinking   bool

	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "relaychat",
	Short: "relaychat - streaming chat client with durable local history",
	Long: `relaychat streams assistant responses token by token while keeping a
durable conversation history in a local SQLite database.

In-flight messages live in a pending overlay that is reconciled against
store snapshots, so concurrent updates never lose or duplicate messages.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if modeFlag != "" {
			cfg.Chat.Mode = modeFlag
		}
		if modelFlag != "" {
			cfg.Chat.Model = modelFlag
		}
		if cmd.Flags().Changed("thinking") {
			cfg.Chat.ThinkingEnabled = thinking
		}

		settings := logging.Settings{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
			Dir:        cfg.Logging.Dir,
		}
		if err := logging.Configure(settings); err != nil {
			return fmt.Errorf("failed to configure file logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// sendCmd streams one prompt and prints the reply.
var sendCmd = &cobra.Command{
	Use:   "send [prompt]",
	Short: "Send a prompt and stream the assistant reply",
	Long: `Sends a prompt to the backend and streams the reply to stdout.

With --chat the prompt continues an existing conversation; without it a
new conversation is created and its id printed. Ctrl-C stops the stream
and keeps the partial answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

// chatsCmd lists stored conversations.
var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List stored conversations",
	RunE:  runChats,
}

// historyCmd prints a conversation transcript.
var historyCmd = &cobra.Command{
	Use:   "history [chat-id]",
	Short: "Print the transcript of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

// deleteChatCmd removes a conversation and its messages.
var deleteChatCmd = &cobra.Command{
	Use:   "delete-chat [chat-id]",
	Short: "Delete a conversation and all of its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteChat,
}

// renameChatCmd changes a conversation title.
var renameChatCmd = &cobra.Command{
	Use:   "rename-chat [chat-id] [title]",
	Short: "Rename a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRenameChat,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	sendCmd.Flags().StringVar(&chatID, "chat", "", "Continue an existing conversation")
	sendCmd.Flags().StringVar(&modeFlag, "mode", "", "Override chat mode")
	sendCmd.Flags().StringVar(&modelFlag, "model", "", "Override model")
	sendCmd.Flags().BoolVar(&thinking, "thinking", false, "Enable reasoning output")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(deleteChatCmd)
	rootCmd.AddCommand(renameChatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Store.DatabasePath)
}

// effectiveConfigPath returns the config file the process is running with.
func effectiveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.File()
}

func runSend(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	logger.Info("sending prompt",
		zap.String("chat", chatID),
		zap.String("mode", cfg.Chat.Mode),
		zap.String("model", cfg.Chat.Model),
		zap.Bool("thinking", cfg.Chat.ThinkingEnabled))

	db, err := openStore()
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer db.Close()
	logger.Debug("store opened", zap.String("path", cfg.Store.DatabasePath))

	consumer := stream.NewConsumer(stream.Config{
		Endpoint: cfg.Backend.Endpoint,
		Token:    cfg.Backend.Token,
		Timeout:  cfg.RequestTimeout(),
	})
	controller := chat.NewSessionController(db, chat.NewConsumerOpener(consumer), chat.Options{
		Mode:               cfg.Chat.Mode,
		Model:              cfg.Chat.Model,
		SystemPrompt:       cfg.Chat.SystemPrompt,
		ThinkingEnabled:    cfg.Chat.ThinkingEnabled,
		MemoryReadEnabled:  cfg.Chat.MemoryReadEnabled,
		MemoryWriteEnabled: cfg.Chat.MemoryWriteEnabled,
	})
	controller.SetConversationStore(db)
	defer controller.Close()

	ctx := cmd.Context()

	// Pick up config edits made while a long send is streaming. A reload
	// retunes file logging and the backend token without a restart.
	if cfgFile, err := effectiveConfigPath(); err == nil {
		watcher, err := config.NewWatcher(cfgFile, func(next *config.Config) {
			if err := logging.Configure(logging.Settings{
				DebugMode:  next.Logging.DebugMode || verbose,
				Level:      next.Logging.Level,
				Categories: next.Logging.Categories,
				Dir:        next.Logging.Dir,
			}); err != nil {
				logger.Warn("failed to apply reloaded logging settings", zap.Error(err))
			}
			consumer.SetToken(next.Backend.Token)
			logger.Info("config reloaded", zap.String("path", cfgFile))
		})
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher failed to start", zap.Error(err))
			}
			defer watcher.Close()
		}
	}

	if chatID != "" {
		if err := controller.Attach(ctx, chatID); err != nil {
			logger.Error("failed to attach conversation", zap.String("chat", chatID), zap.Error(err))
			return err
		}
	}

	// Print deltas as the view evolves instead of re-rendering it.
	var printed int
	controller.SetOnChange(func(view []chat.Message) {
		if len(view) == 0 {
			return
		}
		last := view[len(view)-1]
		if last.Role != chat.RoleAssistant || last.Status == chat.StatusError {
			return
		}
		// Content is append-only while streaming, so the printed offset
		// stays valid across the transient-to-server id swap.
		if len(last.Content) > printed {
			fmt.Print(last.Content[printed:])
			printed = len(last.Content)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nstopping...")
		logger.Info("interrupt received, cancelling stream")
		controller.Cancel()
	}()

	if err := controller.Send(ctx, prompt, nil); err != nil {
		logger.Error("send failed", zap.Error(err))
		return err
	}
	fmt.Println()
	logger.Info("send complete", zap.String("chat", controller.ConversationID()))

	view := controller.View()
	if len(view) > 0 && view[len(view)-1].WasStopped {
		fmt.Fprintln(os.Stderr, "(stopped)")
	}
	if chatID == "" {
		fmt.Fprintf(os.Stderr, "chat id: %s\n", controller.ConversationID())
	}
	return nil
}

func runChats(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	conversations, err := db.ListConversations(cmd.Context())
	if err != nil {
		logger.Error("failed to list conversations", zap.Error(err))
		return err
	}
	logger.Debug("listed conversations", zap.Int("count", len(conversations)))
	if len(conversations) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}
	for _, conv := range conversations {
		fmt.Printf("%s  %-20s  %s\n", conv.ID, conv.Mode, conv.Title)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := db.Snapshot(cmd.Context(), args[0])
	if err != nil {
		logger.Error("failed to load transcript", zap.String("chat", args[0]), zap.Error(err))
		return err
	}
	logger.Debug("loaded transcript", zap.String("chat", args[0]), zap.Int("messages", len(messages)))
	for _, msg := range messages {
		content := msg.Content
		if msg.Role == chat.RoleAssistant {
			if answer := chat.ExtractAnswer(content); answer != "" {
				content = answer
			}
		}
		marker := ""
		if msg.WasStopped {
			marker = " [stopped]"
		}
		if msg.Status == chat.StatusError {
			marker = " [error]"
		}
		fmt.Printf("%s%s: %s\n\n", msg.Role, marker, content)
	}
	return nil
}

func runDeleteChat(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteConversation(cmd.Context(), args[0]); err != nil {
		logger.Error("failed to delete conversation", zap.String("chat", args[0]), zap.Error(err))
		return err
	}
	logger.Info("conversation deleted", zap.String("chat", args[0]))
	fmt.Printf("Deleted conversation %s\n", args[0])
	return nil
}

func runRenameChat(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	title := chat.FormatTitle(strings.Join(args[1:], " "))
	if err := db.RenameConversation(cmd.Context(), args[0], title); err != nil {
		logger.Error("failed to rename conversation", zap.String("chat", args[0]), zap.Error(err))
		return err
	}
	logger.Info("conversation renamed", zap.String("chat", args[0]), zap.String("title", title))
	fmt.Printf("Renamed conversation %s to %q\n", args[0], title)
	return nil
}
