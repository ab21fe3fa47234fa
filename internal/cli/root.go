// Package cli provides the lexchat terminal client: asking questions, reading chat history and
// issuing development tokens against the chat API.
package cli

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/lexassist/lexchat-web/internal/render"
	"github.com/lexassist/lexchat-web/internal/services"
	"github.com/spf13/cobra"
)

type options struct {
	apiURL  string
	userID  int64
	token   string
	width   int
	verbose bool
}

// NewRootCmd creates the lexchat command with all its subcommands.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "lexchat",
		Short: "Ask legal questions from the terminal",
		Long: `lexchat talks to the same chat API as the web front-end.

Questions are answered with the assistant's sources and related questions.
Set NO_COLOR to disable styled output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", envOr("LEXCHAT_API_BASE_URL", "http://localhost:8081"), "Chat API base URL")
	flags.Int64Var(&opts.userID, "user", envInt("LEXCHAT_USER_ID"), "User id to act for")
	flags.StringVar(&opts.token, "token", os.Getenv("LEXCHAT_TOKEN"), "Bearer token of the user")
	flags.IntVar(&opts.width, "width", 80, "Wrap width of rendered answers")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log API traffic to stderr")

	cmd.AddCommand(NewAskCmd(opts))
	cmd.AddCommand(NewHistoryCmd(opts))
	cmd.AddCommand(NewTokenCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *options) session() models.Session {
	return models.Session{UserID: o.userID, AuthToken: o.token}
}

func (o *options) api(errOut io.Writer) services.API {
	level := slog.LevelError
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
	return services.NewAPI(o.apiURL, &http.Client{}, logger)
}

func (o *options) terminal() (render.Terminal, error) {
	_, plain := os.LookupEnv("NO_COLOR")
	return render.NewTerminal(o.width, plain)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) int64 {
	v, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return v
}
