package main

import (
	"context"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRootCommand() *cobra.Command {
	var cfg config

	root := &cobra.Command{
		Use:           "rag-infra",
		Short:         "Provision and operate RAG assistant environments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := envconfig.Process("", &cfg); err != nil {
				return fmt.Errorf("read config: %w", err)
			}

			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("parse log level: %w", err)
			}
			log.SetLevel(level)

			return nil
		},
	}

	root.AddCommand(
		newServeCommand(&cfg),
		newUpCommand(&cfg),
		newPreviewCommand(&cfg),
		newDestroyCommand(&cfg),
		newOutputsCommand(&cfg),
		newBootstrapCommand(&cfg),
	)

	return root
}

func newServeCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the environment HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			router := gin.Default()
			routes(router, *cfg, newStackManager(*cfg, true), newAWSStatus())

			log.Infof("listening on :%d", cfg.Port)
			return router.Run(fmt.Sprintf(":%d", cfg.Port))
		},
	}
}

// environmentFromFile loads, defaults and validates an environment file
// with credentials from the process config.
func environmentFromFile(cfg config, path string) (environment, credentials, error) {
	var cred credentials
	cred.SetDefaults(cfg)

	env, err := loadEnvironmentFile(path)
	if err != nil {
		return env, cred, err
	}

	env.SetDefaults(cfg, cred.AWSRegion)
	if err := env.Validate(); err != nil {
		return env, cred, fmt.Errorf("invalid environment %q: %w", env.Name, err)
	}

	return env, cred, nil
}

func newUpCommand(cfg *config) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create or update the environment described in a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cred, err := environmentFromFile(*cfg, file)
			if err != nil {
				return err
			}

			return newStackManager(*cfg, false).Deploy(cmd.Context(), env, cred)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "environment file (yaml)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newPreviewCommand(cfg *config) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview changes to an existing environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cred, err := environmentFromFile(*cfg, file)
			if err != nil {
				return err
			}

			return newStackManager(*cfg, false).Preview(cmd.Context(), env, cred)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "environment file (yaml)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDestroyCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <name>",
		Short: "Destroy an environment and remove its stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cred credentials
			cred.SetDefaults(*cfg)

			return newStackManager(*cfg, false).Destroy(cmd.Context(), args[0], cred)
		},
	}
}

func newOutputsCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs <name>",
		Short: "Print the stored outputs of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cred credentials
			cred.SetDefaults(*cfg)

			return printOutputs(cmd.Context(), cmd.OutOrStdout(), newStackManager(*cfg, false), args[0], cred)
		},
	}
}

func newBootstrapCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Apply the API Gateway account settings shared by the region's environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cred credentials
			cred.SetDefaults(*cfg)

			return newStackManager(*cfg, false).Bootstrap(cmd.Context(), cred)
		},
	}
}

type outputsReader interface {
	Outputs(ctx context.Context, name string, cred credentials) (map[string]interface{}, error)
}

func printOutputs(ctx context.Context, w io.Writer, r outputsReader, name string, cred credentials) error {
	result, err := r.Outputs(ctx, name, cred)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()

	return enc.Encode(result)
}
