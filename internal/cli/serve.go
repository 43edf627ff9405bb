package cli

import (
	"github.com/spf13/cobra"

	"github.com/zapuskalka/companion/internal/infrastructure/server"
)

type serveFlags struct {
	Host        string
	Port        string
	DataDir     string
	UsePTY      bool
	NoRateLimit bool
}

func newServeCommand(a *app) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP and WebSocket API",
		Long: `Run the local API used by the launcher UI:

  REST        /health, /processes, /apps/:id/{launch,stop,wait,output}
  WebSocket   /ws/transfers for compress, extract and upload with live progress
  Metrics     /metrics in the Prometheus format

Supervised apps are terminated when the server stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			f := cmd.Flags()
			if f.Changed("host") {
				cfg.Server.Host = flags.Host
			}
			if f.Changed("port") {
				cfg.Server.Port = flags.Port
			}
			if f.Changed("data-dir") {
				cfg.Apps.DataDir = flags.DataDir
			}
			if f.Changed("pty") {
				cfg.Apps.UsePTY = flags.UsePTY
			}
			if flags.NoRateLimit {
				cfg.RateLimit.Enabled = false
			}

			srv, err := server.NewServer(cfg, a.logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, cancel := createContext(cmd.ErrOrStderr())
			defer cancel()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flags.Host, "host", "", "listen host (env HOST, default 127.0.0.1)")
	cmd.Flags().StringVarP(&flags.Port, "port", "p", "", "listen port (env PORT, default 8765)")
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "directory holding apps/<id> manifests (env APP_DATA_DIR)")
	cmd.Flags().BoolVar(&flags.UsePTY, "pty", false, "start apps on a pseudo terminal (env APP_USE_PTY)")
	cmd.Flags().BoolVar(&flags.NoRateLimit, "no-rate-limit", false, "disable the per-client rate limit")
	return cmd
}
