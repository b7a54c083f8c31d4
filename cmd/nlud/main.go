// nlud is the NLU service for in-vehicle voice assistants: it maps short
// Chinese utterances to structured intents by racing regex rules against
// embedding-similarity classifiers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nlud/internal/config"
	"nlud/internal/logging"
	"nlud/internal/nlu"
	"nlud/internal/server"
)

var (
	cfgPath string
	cfg     *config.Settings
)

func main() {
	root := &cobra.Command{
		Use:           "nlud",
		Short:         "Natural-language understanding service for voice assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := logging.Initialize(cfg.Paths.LogsDir, cfg.Logging.Level, cfg.Logging.JSONFormat); err != nil {
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.CloseAll()
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/settings.json", "path to the settings document")

	root.AddCommand(serveCmd(), recognizeCmd(), infoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := nlu.NewService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			return server.New(cfg, svc).Run(ctx)
		},
	}
}

func recognizeCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "recognize <text>",
		Short: "Recognize one utterance and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := nlu.NewService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			res := svc.Recognize(ctx, args[0], domain)
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "skip domain classification and use this domain")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the loaded pipeline's shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := nlu.NewService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			out, err := json.MarshalIndent(svc.Info(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
