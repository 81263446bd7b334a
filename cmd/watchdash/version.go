package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jianxcao/watch-docker/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the watchdash version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "watchdash %s\n", version.String())
			return err
		},
	}
}
