// upload sends a local file to the transfer server.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/amcgf/udpft/pkg/cli"
	"github.com/amcgf/udpft/pkg/client"
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "upload: %v\n", err)
		var ue *cli.UsageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func command() *cobra.Command {
	var (
		common cli.CommonFlags
		src    string
		name   string
		proto  string
	)
	cmd := &cobra.Command{
		Use:          "upload",
		Short:        "Upload a file to the transfer server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.RequireFlag(src, "src"); err != nil {
				return err
			}
			ver, err := cli.ParseProtocol(proto)
			if err != nil {
				return err
			}
			ctx, cfg, err := cli.Context(cmd, &common)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(src)
			}
			return client.New(cfg, common.Host, common.Port, ver).Upload(ctx, src, name)
		},
	}
	cli.AddCommonFlags(cmd, &common)
	flags := cmd.Flags()
	flags.StringVarP(&src, "src", "s", "", "source file path")
	flags.StringVarP(&name, "name", "n", "", "file name on the server")
	flags.StringVarP(&proto, "protocol", "r", "SW", "error recovery protocol (SW|GBN)")
	cli.WrapUsageErrors(cmd)
	return cmd
}
