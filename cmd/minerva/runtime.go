package main

import (
	"github.com/spf13/cobra"

	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/runtime"
	"github.com/casonadams/minerva/internal/service"
)

func newRuntimeCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Serve models to other minerva processes over Arrow Flight",
		Long: "Runtime loads and runs models for a parent process. Once listening it\n" +
			"prints " + runtime.AddrPrefix + "<host:port> on stdout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := g.rt
			// a runtime never delegates further
			rt.ExternalEndpoint = ""
			rt.ExternalBinary = ""
			rt.ExternalArgs = nil

			svc, err := service.New(rt)
			if err != nil {
				return err
			}
			defer svc.Close()
			_, stopMonitor := g.startMonitor(svc)
			defer stopMonitor()

			srv := runtime.NewServer(svc)
			bound, err := srv.Listen(listen)
			if err != nil {
				return err
			}
			addr := bound.String()
			if err := runtime.Announce(cmd.OutOrStdout(), addr); err != nil {
				return err
			}
			logger.Log.Info("Runtime serving", "addr", addr, "device", svc.Stats().Device)

			served := make(chan error, 1)
			go func() { served <- srv.Serve() }()
			select {
			case err := <-served:
				return err
			case <-cmd.Context().Done():
			}
			srv.Shutdown()
			if err := <-served; err != nil {
				logger.Log.Debug("Runtime stopped", "error", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:0", "Address to serve on")
	return cmd
}
