package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/plantguard/pkg/api"
	"github.com/hed1ad/plantguard/pkg/artifact"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		bundleDir string
		bind      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a model bundle over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bundleDir == "" {
				return errors.New("--artifact is required")
			}
			logger := ctx.log()
			svc, err := artifact.Service(bundleDir, logger)
			if err != nil {
				return err
			}
			srv, err := api.NewServer(svc, logger,
				api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
				api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownSeconds)*time.Second),
			)
			if err != nil {
				return err
			}
			addr := strings.TrimSpace(bind)
			if addr == "" {
				addr = cfg.Server.Bind
			}
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVarP(&bundleDir, "artifact", "a", "", "Model bundle directory")
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (defaults to server.bind)")
	return cmd
}
