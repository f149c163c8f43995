package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/pkg/chat"
)

var (
	historyLast int
	historyJSON bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyClearCmd)
	historyShowCmd.Flags().IntVarP(&historyLast, "last", "n", 0, "show only the last n messages")
	historyShowCmd.Flags().BoolVar(&historyJSON, "json", false, "print messages as JSON lines")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage stored conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}

		list, err := st.conversations.List(context.Background())
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCUSTOMER\tMESSAGES\tUPDATED\tTITLE")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				c.ID,
				c.CustomerID,
				c.Messages,
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
				c.Title,
			)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the transcript of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}

		ctx := context.Background()
		id := types.ConversationID(args[0])
		if _, err := st.conversations.Get(ctx, id); err != nil {
			return err
		}
		msgs, err := st.transcripts.Tail(ctx, id, historyLast)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			enc := json.NewEncoder(out)
			for _, msg := range msgs {
				if err := enc.Encode(msg); err != nil {
					return err
				}
			}
			return nil
		}
		for _, msg := range msgs {
			printHistoryMessage(out, msg)
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete a conversation or all conversations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		out := cmd.OutOrStdout()

		if args[0] == "all" {
			if err := os.RemoveAll(filepath.Join(cfg.DataDir, "conversations")); err != nil {
				return fmt.Errorf("remove conversations directory: %w", err)
			}
			fmt.Fprintln(out, "All conversations cleared.")
			return nil
		}

		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		if err := st.conversations.Delete(context.Background(), types.ConversationID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(out, "Conversation %s cleared.\n", args[0])
		return nil
	},
}

func printHistoryMessage(w io.Writer, msg chat.Message) {
	fmt.Fprintf(w, "[%s %s] %s\n", msg.Timestamp.Format("15:04:05"), msg.Role, msg.Content)
}
