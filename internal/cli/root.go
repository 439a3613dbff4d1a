package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meetsynth/transcribe-gateway/internal/backend"
	"github.com/meetsynth/transcribe-gateway/internal/config"
	"github.com/meetsynth/transcribe-gateway/internal/credentials"
	"github.com/meetsynth/transcribe-gateway/internal/observability"
)

// Dependencies is filled in before any subcommand runs
type Dependencies struct {
	Config *config.Config
	Tokens *credentials.TokenStore
	Logger zerolog.Logger

	configPath string
	backendURL string
	debug      bool
}

// NewRootCmd builds the scribe command tree
func NewRootCmd() *cobra.Command {
	deps := &Dependencies{Tokens: credentials.NewTokenStore()}

	rootCmd := &cobra.Command{
		Use:   "scribe",
		Short: "Live meeting transcription and summaries",
		Long: `scribe records a meeting from the microphone or a WAV file, streams it to
the speech recognition service, prints the live transcript and saves it to the
meeting backend. It can then summarize the meeting and export both to files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load()
		},
	}

	rootCmd.Version = observability.Version
	rootCmd.PersistentFlags().StringVar(&deps.configPath, "config", config.DefaultFilePath(), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&deps.backendURL, "backend", "", "Meeting backend URL (overrides BACKEND_URL)")
	rootCmd.PersistentFlags().BoolVar(&deps.debug, "debug", false, "Log debug output to stderr")

	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewSummarizeCmd(deps))
	rootCmd.AddCommand(NewLoginCmd(deps))
	rootCmd.AddCommand(NewLogoutCmd(deps))
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

func (d *Dependencies) load() error {
	cfg, err := config.LoadFile(d.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if d.backendURL != "" {
		cfg.BackendURL = d.backendURL
	}
	if d.debug {
		cfg.LogLevel = "debug"
	}
	d.Config = cfg

	// stdout carries the transcript
	observability.InitLoggerTo(os.Stderr, cfg.LogLevel, true)
	d.Logger = observability.GetLogger()
	return nil
}

// token resolves the backend token: BACKEND_TOKEN wins over the keyring
func (d *Dependencies) token() (string, error) {
	if d.Config.BackendToken != "" {
		return d.Config.BackendToken, nil
	}
	token, err := d.Tokens.Token(d.Config.BackendURL)
	if errors.Is(err, credentials.ErrNoToken) {
		return "", fmt.Errorf("%w: run 'scribe login' first", err)
	}
	return token, err
}

// backendClient returns an authenticated client, or an anonymous one when
// authenticated is false
func (d *Dependencies) backendClient(authenticated bool) (*backend.Client, error) {
	if err := d.Config.ValidateBackend(); err != nil {
		return nil, err
	}
	token := ""
	if authenticated {
		var err error
		if token, err = d.token(); err != nil {
			return nil, err
		}
	}
	return backend.NewClientFromConfig(d.Config, token, d.Logger)
}
