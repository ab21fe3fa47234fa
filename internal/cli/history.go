package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewHistoryCmd creates the history command. Without --chat it lists the user's chats; with it, the
// chat's transcript is printed.
func NewHistoryCmd(opts *options) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List chats or print one chat's transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session := opts.session()
			if !session.Valid() {
				return errors.New("--user and --token are required")
			}
			api := opts.api(cmd.ErrOrStderr())
			out := cmd.OutOrStdout()

			if chatID == "" {
				chats, err := api.Chats(cmd.Context(), session)
				if err != nil {
					return err
				}
				if len(chats) == 0 {
					fmt.Fprintln(out, "No chats yet.")
					return nil
				}
				for _, hc := range chats {
					c := hc.Chat()
					title := c.Title
					if title == "" {
						title = "(empty)"
					}
					fmt.Fprintf(out, "%s\t%s\n", c.ID, title)
				}
				return nil
			}

			history, err := api.History(cmd.Context(), session, chatID)
			if err != nil {
				return err
			}
			term, err := opts.terminal()
			if err != nil {
				return err
			}

			messages, skipped := history.Transcript(chatID, session.UserID)
			for _, m := range messages {
				if !m.Visible() {
					continue
				}
				s, err := term.Message(m)
				if err != nil {
					return err
				}
				fmt.Fprint(out, s)
			}
			if len(skipped) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d malformed exchanges skipped\n", len(skipped))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat to print")

	return cmd
}
