package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"labremote/internal/endpoint"
	"labremote/internal/network"
	"labremote/internal/protocol"
)

var (
	endpointFile string // overrides ENDPOINT_FILE
	endpointLine string // "A.B.C.D,PORT", skips the file
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Connect this workstation to the coordinator",
	Long: `Connect to the coordinator named in the endpoint file and stay connected,
retrying every RETRY_INTERVAL while it is unreachable. Messages from the
coordinator are printed. Start and stop requests are logged and acknowledged
with the requested application state.`,
	Args: cobra.NoArgs,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&endpointFile, "endpoint-file", "", "file whose first line is A.B.C.D,PORT (default ENDPOINT_FILE)")
	joinCmd.Flags().StringVar(&endpointLine, "endpoint", "", "coordinator as A.B.C.D,PORT")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	path := cfg.EndpointFile
	if endpointFile != "" {
		path = endpointFile
	}
	ep, err := resolveEndpoint(endpointLine, path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := network.NewEventBus(logger)
	bus.Subscribe(workstationLog(cmd.OutOrStdout(), logger))

	sup := network.NewSupervisor(ep, bus, network.SupervisorOptions{
		Logger:            logger,
		RetryInterval:     cfg.RetryInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
	})
	bus.Subscribe(network.NewAppTracker(sup, logger))

	logger.Info("joining_coordinator",
		"server", ep.String(),
		"retry_interval", cfg.RetryInterval.String(),
	)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("workstation_stopped")
	return nil
}

func resolveEndpoint(line, path string) (endpoint.Endpoint, error) {
	if line != "" {
		return endpoint.Parse(line)
	}
	ep, err := endpoint.ReadFile(path)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("coordinator endpoint: %w", err)
	}
	return ep, nil
}

// workstationLog prints coordinator messages to out and logs everything else.
func workstationLog(out io.Writer, logger *slog.Logger) *network.ObserverFuncs {
	return &network.ObserverFuncs{
		Packet: func(p protocol.DataPacket, identity string) {
			switch p.Tag {
			case protocol.TagMessage:
				fmt.Fprintf(out, "[%s] %v\n", identity, p.Payload)
			case protocol.TagAppExecRequest:
				req, ok := p.Payload.(protocol.ExecutionRequest)
				if !ok {
					logger.Warn("exec_request_malformed", "identity", identity)
					return
				}
				logger.Info("exec_request_received",
					"name", req.Name,
					"path", req.Path,
					"args", req.Args,
					"state", req.State.String(),
				)
			case protocol.TagSocketTest:
				// heartbeat from the coordinator
			default:
				logger.Debug("packet_ignored",
					"identity", identity,
					"packet_type", p.Tag.String(),
				)
			}
		},
		ConnectionState: func(identity string, connected bool) {
			logger.Info("coordinator_connection_changed",
				"server", identity,
				"connected", connected,
			)
		},
	}
}
