package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/marketchat/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "chat-client",
	Short:         "Terminal client for marketplace conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

// loadSettings decodes and validates the client sections of a parsed command.
func loadSettings(parsed *values.Values) (config.Settings, error) {
	s, err := config.FromValues(parsed)
	if err != nil {
		return config.Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, errors.Wrap(err, "invalid configuration")
	}
	return s, nil
}

// ensureCredentials prompts for missing credentials when stderr is a terminal.
func ensureCredentials(s *config.Settings) error {
	if strings.TrimSpace(s.Auth.Username) != "" && s.Auth.Token != "" {
		return nil
	}
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return errors.New("username and token are required (flags, config or MARKETCHAT_USERNAME/MARKETCHAT_TOKEN)")
	}
	ui := &input.UI{Writer: os.Stderr, Reader: os.Stdin}
	if strings.TrimSpace(s.Auth.Username) == "" {
		v, err := ui.Ask("Username", &input.Options{Required: true, Loop: true})
		if err != nil {
			return errors.Wrap(err, "ask username")
		}
		s.Auth.Username = strings.TrimSpace(v)
	}
	if s.Auth.Token == "" {
		v, err := ui.Ask("API token", &input.Options{Required: true, Loop: true, Hide: true})
		if err != nil {
			return errors.Wrap(err, "ask token")
		}
		s.Auth.Token = strings.TrimSpace(v)
	}
	return nil
}

func addCommand(c cmds.Command, err error) {
	cobra.CheckErr(err)
	command, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(config.Middlewares))
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)
}

func main() {
	if err := clay.InitGlazed(config.AppName, rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	addCommand(NewOpenCommand())
	addCommand(NewCreateCommand())
	addCommand(NewInboxCommand())
	addCommand(NewLastCommand())
	addCommand(NewForgetCommand())
	addCommand(NewShowConfigCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Debug().Err(err).Msg("command failed")
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
