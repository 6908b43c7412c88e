package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/coworker/internal/daemon"
	"github.com/harun/coworker/pkg/gateway"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the co-worker in the terminal",
	Long: `Start an interactive chat session against an in-process engine.
Each line is sent as one message; replies stream as they are generated.
Type /quit or send EOF to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "", "user id of the session")
	_ = chatCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	ctx := contextOrBackground(cmd)
	if err := d.Start(ctx); err != nil {
		d.Stop()
		return err
	}
	defer d.Stop()

	return chatLoop(ctx, d.Orchestrator(), chatUser, cmd.InOrStdin(), cmd.OutOrStdout())
}

// chatLoop reads one message per line from in and streams each reply to out.
func chatLoop(ctx context.Context, chat gateway.ChatHandler, userID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		reply, err := chat.HandleMessage(ctx, userID, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		for tok := range reply.Tokens() {
			fmt.Fprint(out, tok)
		}
		fmt.Fprintln(out)
		if _, err := reply.Wait(); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}
