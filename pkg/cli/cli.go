// Package cli holds the flag plumbing shared by the three commands.
package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amcgf/udpft/pkg/config"
	"github.com/amcgf/udpft/pkg/logging"
	"github.com/amcgf/udpft/pkg/wire"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 6379
)

// UsageError distinguishes bad invocations (exit 2) from transfer
// failures (exit 1).
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

// WrapUsageErrors makes cobra's own flag parsing and argument validation
// surface as *UsageError, so bad invocations exit 2 instead of 1.
func WrapUsageErrors(cmd *cobra.Command) {
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Msg: err.Error()}
	})
	if args := cmd.Args; args != nil {
		cmd.Args = func(c *cobra.Command, a []string) error {
			if err := args(c, a); err != nil {
				return &UsageError{Msg: err.Error()}
			}
			return nil
		}
	}
}

// RequireFlag validates a mandatory string flag value inside RunE, where
// the failure can be reported as a usage error.
func RequireFlag(value, name string) error {
	if value == "" {
		return &UsageError{Msg: "required flag --" + name + " not set"}
	}
	return nil
}

// CommonFlags are shared by client and server commands.
type CommonFlags struct {
	Verbose bool
	Quiet   bool
	Host    string
	Port    int
}

func AddCommonFlags(cmd *cobra.Command, f *CommonFlags) {
	flags := cmd.Flags()
	flags.BoolVarP(&f.Verbose, "verbose", "v", false, "increase output verbosity")
	flags.BoolVarP(&f.Quiet, "quiet", "q", false, "decrease output verbosity")
	flags.StringVarP(&f.Host, "host", "H", DefaultHost, "server IP address")
	flags.IntVarP(&f.Port, "port", "p", DefaultPort, "server port")
}

// Context builds the command context (logger installed) and loads the
// configuration.
func Context(cmd *cobra.Command, f *CommonFlags) (context.Context, *config.Config, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.InitContext(ctx, f.Verbose, f.Quiet)
	cfg, err := config.FromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ctx, cfg, nil
}

// ParseProtocol maps the -r flag onto a wire version.
func ParseProtocol(s string) (wire.Version, error) {
	switch strings.ToUpper(s) {
	case "SW":
		return wire.VersionSW, nil
	case "GBN":
		return wire.VersionGBN, nil
	default:
		return 0, &UsageError{Msg: "protocol must be SW or GBN, got " + s}
	}
}
