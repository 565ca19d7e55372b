// start-server runs the transfer service until SIGINT.
package main

import (
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/amcgf/udpft/pkg/cli"
	"github.com/amcgf/udpft/pkg/server"
	"github.com/amcgf/udpft/pkg/storage"
)

const defaultStorage = "./storage_data"

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "start-server: %v\n", err)
		var ue *cli.UsageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func command() *cobra.Command {
	var (
		common  cli.CommonFlags
		dirpath string
	)
	cmd := &cobra.Command{
		Use:          "start-server",
		Short:        "Serve file uploads and downloads over the reliable datagram protocol",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := cli.Context(cmd, &common)
			if err != nil {
				return err
			}
			store, err := storage.NewStore(dirpath)
			if err != nil {
				return err
			}
			srv := server.New(cfg, store, common.Host, common.Port)
			if err := srv.Listen(ctx); err != nil {
				return err
			}
			g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			g.Go("dispatcher", srv.Run)
			return g.Wait()
		},
	}
	cli.AddCommonFlags(cmd, &common)
	cmd.Flags().StringVarP(&dirpath, "storage", "s", defaultStorage, "storage directory path")
	cli.WrapUsageErrors(cmd)
	return cmd
}
