package config

import (
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	appconfig "github.com/go-go-golems/glazed/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ConfigPath returns the config file to load: the --config flag, then
// MARKETCHAT_CONFIG, then the app config location if a file exists there.
func ConfigPath(cmd *cobra.Command) (string, error) {
	explicit := os.Getenv(EnvPrefix + "_CONFIG")
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil && f.Value.String() != "" {
			explicit = f.Value.String()
		}
	}
	path, err := appconfig.ResolveAppConfigPath(AppName, explicit)
	if err != nil {
		if explicit != "" {
			return "", errors.Wrapf(err, "config file %s", explicit)
		}
		return "", nil
	}
	return path, nil
}

// Middlewares resolves flags, then arguments, then MARKETCHAT_* variables,
// then the config file, then defaults.
func Middlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	mws := []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(EnvPrefix,
			fields.WithSource("env"),
		),
	}
	configPath, err := ConfigPath(cmd)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		mws = append(mws,
			sources.FromFile(configPath,
				sources.WithParseOptions(fields.WithSource("config")),
			),
		)
	}
	return append(mws, sources.FromDefaults()), nil
}
