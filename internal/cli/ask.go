package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/lexassist/lexchat-web/internal/stream"
	"github.com/spf13/cobra"
)

// NewAskCmd creates the ask command, which streams one answer and prints it.
func NewAskCmd(opts *options) *cobra.Command {
	var (
		chatID   string
		document string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the legal assistant a question",
		Long: `Ask the legal assistant a question and print its answer.

Without --chat a new chat is created and its id is printed, so follow-up
questions can continue the same conversation.

Examples:
  lexchat ask "Can my landlord keep the deposit?"
  lexchat ask --chat 42 "What if the lease was verbal?"
  lexchat ask --document lease.txt "Is clause 7 enforceable?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("question is empty")
			}

			session := opts.session()
			if !session.Valid() {
				return errors.New("--user and --token are required")
			}

			req := models.ChatRequest{Question: question}
			if document != "" {
				b, err := os.ReadFile(document)
				if err != nil {
					return fmt.Errorf("failed to read document: %w", err)
				}
				req.DocumentText = string(b)
			}

			term, err := opts.terminal()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			api := opts.api(cmd.ErrOrStderr())
			if chatID == "" {
				chatID, err = api.CreateChat(ctx, session)
				if err != nil {
					return fmt.Errorf("failed to create chat: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Chat %s\n", chatID)
			}

			var progress thinking
			progress.w = cmd.ErrOrStderr()
			logger := slog.New(slog.DiscardHandler)
			acc := stream.NewAccumulator(nil, &progress, logger)
			ctrl := stream.NewController(api, session, chatID, acc, logger)
			defer ctrl.Close()

			acc.Append(models.Message{Role: models.RoleUser, Question: question, ChatID: chatID, UserID: session.UserID})
			if err := ctrl.Start(ctx, req); err != nil {
				return err
			}
			progress.done()

			out := cmd.OutOrStdout()
			for _, m := range acc.Messages() {
				if !m.Visible() || m.Role == models.RoleUser {
					continue
				}
				s, err := term.Message(m)
				if err != nil {
					return err
				}
				fmt.Fprint(out, s)
			}
			if ctx.Err() != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Stopped.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Continue an existing chat")
	cmd.Flags().StringVar(&document, "document", "", "Attach the text of a document to the question")

	return cmd
}

// thinking prints a progress line while answers arrive.
type thinking struct {
	w       io.Writer
	started bool
}

func (t *thinking) Render(messages []models.Message) {
	if t.started {
		return
	}
	for _, m := range messages {
		if m.Role == models.RoleBot {
			t.started = true
			fmt.Fprint(t.w, "Thinking...")
			return
		}
	}
}

func (t *thinking) done() {
	if t.started {
		fmt.Fprintln(t.w)
	}
}
