package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pulsar-assistant/internal/conversation"
	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/session"
	"pulsar-assistant/internal/usecase"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant in the terminal",
	Long: `Starts a line-oriented conversation. Commands:
  /upload <path>   send a CSV, PDF or text file
  /new             start a new session
  /quit            leave`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", domain.NewSessionKey, "Session key to resume")
}

type interactor interface {
	Interact(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	r := &repl{chat: a.chat, in: cmd.InOrStdin(), out: cmd.OutOrStdout(), resolver: session.NewResolver(time.Now)}
	return r.run(ctx, chatSession)
}

type repl struct {
	chat     interactor
	in       io.Reader
	out      io.Writer
	resolver *session.Resolver
}

// run greets (or resumes) key and then sends one cycle per input line.
func (r *repl) run(ctx context.Context, key string) error {
	current, err := r.send(ctx, key, usecase.ChatInput{})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		var in usecase.ChatInput
		switch {
		case line == "/quit":
			return nil
		case line == "/new":
			if current, err = r.send(ctx, domain.NewSessionKey, in); err != nil {
				return err
			}
			continue
		case strings.HasPrefix(line, "/upload"):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/upload"))
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(r.out, "cannot read %q: %v\n", path, err)
				continue
			}
			in.Upload = &conversation.Upload{Name: filepath.Base(path), Data: data}
		default:
			in.Text = line
		}

		if current, err = r.send(ctx, current, in); err != nil {
			return err
		}
	}
}

// send resolves current, runs one cycle and prints the bot replies. The
// returned key is the one to use for the next cycle.
func (r *repl) send(ctx context.Context, current string, in usecase.ChatInput) (string, error) {
	in.SessionKey = r.resolver.Resolve(current)
	out, err := r.chat.Interact(ctx, in)
	if err != nil {
		var ue *usecase.Error
		if errors.As(err, &ue) && ue.Code != usecase.ErrorPersistence && ue.Code != usecase.ErrorInternal {
			fmt.Fprintf(r.out, "error: %s\n", ue.Reason)
			return current, nil
		}
		return current, err
	}
	if pending, ok := r.resolver.Pending(); ok {
		fmt.Fprintf(r.out, "[session %s]\n", pending)
		r.resolver.Clear()
	}
	for _, m := range out.Messages {
		if m.Role == domain.RoleBot {
			fmt.Fprintf(r.out, "assistant> %s\n", m.Content)
		}
	}
	if out.AwaitingUpload && len(out.Messages) == 0 {
		fmt.Fprintln(r.out, "assistant> Please upload your file with /upload <path>.")
	}
	return out.SessionKey, nil
}
