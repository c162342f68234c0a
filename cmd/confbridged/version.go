package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version проставляется при сборке через -ldflags "-X main.version=...".
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Печатает версию демона",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "confbridged %s\n", version)
		},
	}
}
