package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pulsar-assistant/internal/usecase"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and delete stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session keys, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.chat.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No sessions.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-key>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.chat.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(cmd.OutOrStdout(), "%4d %-4s [%s] %s\n", m.Seq, m.Role, m.Kind, m.Content)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-key>",
	Short: "Delete a session's messages and state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.chat.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var (
	userEmail    string
	userPassword string
	userName     string
	userCompany  string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

var usersRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a user account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.accounts == nil {
			return fmt.Errorf("accounts are disabled: set auth.jwt_secret and use a relational store")
		}

		u, err := a.accounts.Register(cmd.Context(), usecase.RegisterInput{
			Email:       userEmail,
			Password:    userPassword,
			Confirm:     userPassword,
			Name:        userName,
			CompanyName: userCompany,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", u.Email, u.ID)
		return nil
	},
}

var cacheServer string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the running server's caches",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the loaded model so the next reply reloads it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := strings.TrimRight(cacheServer, "/") + "/admin/cache/clear"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
		if err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("clear cache: server answered %s", resp.Status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Model cache cleared.")
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)

	usersRegisterCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	usersRegisterCmd.Flags().StringVar(&userPassword, "password", "", "Password")
	usersRegisterCmd.Flags().StringVar(&userName, "name", "", "Display name")
	usersRegisterCmd.Flags().StringVar(&userCompany, "company", "", "Company name")
	_ = usersRegisterCmd.MarkFlagRequired("email")
	_ = usersRegisterCmd.MarkFlagRequired("password")
	usersCmd.AddCommand(usersRegisterCmd)

	cacheClearCmd.Flags().StringVar(&cacheServer, "server", "http://localhost:8080", "Base URL of the running server")
	cacheCmd.AddCommand(cacheClearCmd)
}
