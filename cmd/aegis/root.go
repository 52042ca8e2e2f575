package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aegis",
		Short: "Edge sensing node with store-and-forward enrichment.",
		Long: `aegis turns classifier detections into debounced threat logs in a local
store and reconciles them with remote enrichment whenever the link is up.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.PersistentFlags().String("config", "", "YAML config file (default: $AEGIS_CONFIG)")
	root.PersistentFlags().StringP("loglevel", "l", "", "Override log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(), newSimulateCmd(), newCoTCmd())
	return root
}
