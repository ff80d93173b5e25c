// Command collabctl manages collaboration sessions from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"codedojo/collab/internal/config"
	"codedojo/collab/internal/store"
	"codedojo/collab/internal/store/driver"
	"codedojo/collab/internal/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "collabctl",
		Short:        "Manage collaboration sessions",
		SilenceUsage: true,
	}
	root.AddCommand(newSessionCmd(), newTokenCmd())
	return root
}

// withStore opens the store configured in the environment for one command.
func withStore(ctx context.Context, fn func(store.SessionStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, closer, err := driver.Open(ctx, cfg, utils.NewNopLogger())
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and inspect sessions",
	}

	var title, language string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new session and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(st store.SessionStore) error {
				s, err := st.Create(cmd.Context(), title, language)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	create.Flags().StringVar(&title, "title", "", "session title")
	create.Flags().StringVar(&language, "language", "python", "initial editor language")

	get := &cobra.Command{
		Use:   "get CODE",
		Short: "Print a session by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(st store.SessionStore) error {
				s, err := st.Get(cmd.Context(), args[0])
				if errors.Is(err, store.ErrSessionNotFound) {
					return fmt.Errorf("session %s not found", store.NormalizeCode(args[0]))
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		userID, name string
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token CODE",
		Short: "Mint a join token for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JOIN_TOKEN_SECRET")
			if secret == "" {
				return errors.New("JOIN_TOKEN_SECRET is not set")
			}
			tok, err := utils.NewJoinTokens(secret).Issue(args[0], userID, name, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "participant user id")
	cmd.Flags().StringVar(&name, "name", "", "participant display name")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
