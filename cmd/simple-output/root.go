package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var envFileFlag string
	var dataDirFlag string

	ctx := newCommandContext(&configFlag, &envFileFlag, &dataDirFlag)

	rootCmd := &cobra.Command{
		Use:           "simple-output",
		Short:         "Upload intake, conversion and output browsing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (yaml, json, toml or .env)")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Environment file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Override DATA_DIR")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newUploadCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newArtifactsCommand(ctx))
	rootCmd.AddCommand(newConvertCommand(ctx))

	return rootCmd
}
