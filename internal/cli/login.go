package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/meetsynth/transcribe-gateway/internal/credentials"
)

func NewLoginCmd(deps *Dependencies) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the meeting backend",
		Long: `Exchange your email and password for a backend token and store it in the
system keyring. BACKEND_TOKEN, when set, takes precedence over the stored token.

Examples:
  scribe login --email me@example.com
  scribe login --backend https://meetings.example.com/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.backendClient(false)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if email == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Email: ")
				if email, err = readLine(in); err != nil {
					return fmt.Errorf("reading email: %w", err)
				}
			}
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			password, err := readPassword(in)
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if email == "" || password == "" {
				return fmt.Errorf("email and password are required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			token, err := client.Login(ctx, email, password)
			if err != nil {
				return err
			}

			if err := deps.Tokens.SaveToken(deps.Config.BackendURL, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "✅ Logged in as %s (token %s stored in %s)\n",
				email, credentials.MaskToken(token), deps.Tokens.Description())
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	return cmd
}

func NewLogoutCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored backend token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.Tokens.DeleteToken(deps.Config.BackendURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Logged out")
			return nil
		},
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads without echo from a terminal, or a plain line otherwise
func readPassword(r *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(r)
}
