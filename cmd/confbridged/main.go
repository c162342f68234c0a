// confbridged - демон конференц-моста: реестр конференций с микшером,
// SLA контроллер и SIP драйвер исходящих вызовов под одной крышей.
// Management события отдаются строчным протоколом по TCP, метрики - по
// HTTP в формате Prometheus.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "confbridged",
		Short:         "Конференц-мост с поддержкой Shared Line Appearance",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}
