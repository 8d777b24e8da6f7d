package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/bootstrap"
	"github.com/zhouzirui/counterpoint/backend/internal/config"
	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/service/dialogue"
)

var (
	conversationID string
	noStream       bool
	renderMarkdown bool
)

// chatCmd runs the interactive debate loop
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive debate",
	Long: `Start an interactive debate on stdin/stdout.

Commands:
  quit        - end the session
  stream on   - print replies as they are generated
  stream off  - print replies once complete`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID (default: random)")
	chatCmd.Flags().BoolVar(&noStream, "no-stream", false, "Start with streaming disabled")
	chatCmd.Flags().BoolVar(&renderMarkdown, "render", false, "Render complete replies as Markdown")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 终端里只保留警告以上的日志，避免打断对话
	level := cfg.Log.Level
	if level == "debug" || level == "info" {
		level = "warn"
	}
	logger, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	fmt.Fprintln(cmd.OutOrStdout(), "Initializing RAG chatbot...")
	orchestrator, _, err := bootstrap.Dialogue(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var renderer *glamour.TermRenderer
	if renderMarkdown {
		renderer, err = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
		if err != nil {
			logger.Warn("markdown rendering unavailable", zap.Error(err))
			renderer = nil
		}
	}

	repl := &chatLoop{
		dialogue:       orchestrator,
		conversationID: conversationID,
		in:             cmd.InOrStdin(),
		out:            cmd.OutOrStdout(),
		renderer:       renderer,
	}
	return repl.run(ctx, !noStream)
}

// Dialogue runs one turn of a conversation.
type Dialogue interface {
	SubmitTurn(ctx context.Context, conversationID, text string, opts ...dialogue.TurnOption) dialogue.Reply
}

type chatLoop struct {
	dialogue       Dialogue
	conversationID string
	in             io.Reader
	out            io.Writer
	renderer       *glamour.TermRenderer
}

var banner = []string{
	"Chat session started! Type 'quit' to exit.",
	"Type 'stream off' to disable response streaming.",
	"Type 'stream on' to enable response streaming.",
}

// run reads one message per line until quit, EOF or cancellation.
func (c *chatLoop) run(ctx context.Context, streaming bool) error {
	if !streaming {
		reply := c.dialogue.SubmitTurn(ctx, c.conversationID, "stream off")
		c.conversationID = reply.ConversationID
	}

	fmt.Fprintln(c.out)
	for _, line := range banner {
		fmt.Fprintln(c.out, line)
	}

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if quit := c.turn(ctx, text); quit {
			return nil
		}
	}
}

func (c *chatLoop) turn(ctx context.Context, text string) bool {
	started := false
	reply := c.dialogue.SubmitTurn(ctx, c.conversationID, text,
		dialogue.WithChunkHandler(func(chunk string) {
			if !started {
				fmt.Fprint(c.out, "\nBot: ")
				started = true
			}
			fmt.Fprint(c.out, chunk)
		}),
		dialogue.WithRetryHandler(func(attempt int) {
			if started {
				fmt.Fprintln(c.out)
				started = false
			}
			fmt.Fprintf(c.out, "\n(response blocked, retrying: attempt %d)\n", attempt+1)
		}),
	)
	c.conversationID = reply.ConversationID

	switch {
	case reply.Command != dialogue.CommandNone:
		fmt.Fprintf(c.out, "\n%s\n", reply.Text)
		return reply.Command == dialogue.CommandQuit
	case reply.Failed:
		if started {
			fmt.Fprintln(c.out)
		}
		fmt.Fprintf(c.out, "\n%s\n", reply.Text)
	case reply.Streamed:
		if !started {
			fmt.Fprintf(c.out, "\nBot: %s", reply.Text)
		}
		fmt.Fprint(c.out, "\n\n")
	default:
		fmt.Fprintf(c.out, "\nBot: %s\n", c.render(reply.Text))
	}
	return false
}

func (c *chatLoop) render(text string) string {
	if c.renderer == nil {
		return text
	}
	out, err := c.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}
