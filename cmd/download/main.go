// download fetches a file stored on the transfer server.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/amcgf/udpft/pkg/cli"
	"github.com/amcgf/udpft/pkg/client"
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "download: %v\n", err)
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
		dst    string
		name   string
		proto  string
	)
	cmd := &cobra.Command{
		Use:          "download",
		Short:        "Download a file from the transfer server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.RequireFlag(name, "name"); err != nil {
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
			if dst == "" {
				dst = name
			}
			return client.New(cfg, common.Host, common.Port, ver).Download(ctx, dst, name)
		},
	}
	cli.AddCommonFlags(cmd, &common)
	flags := cmd.Flags()
	flags.StringVarP(&dst, "dst", "d", "", "destination file path")
	flags.StringVarP(&name, "name", "n", "", "file name on the server")
	flags.StringVarP(&proto, "protocol", "r", "SW", "error recovery protocol (SW|GBN)")
	cli.WrapUsageErrors(cmd)
	return cmd
}
