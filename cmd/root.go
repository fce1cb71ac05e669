package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/detector/internal/detector"
	"github.com/andresmejia3/detector/internal/detector/yolo"
	"github.com/andresmejia3/detector/internal/server"
	"github.com/andresmejia3/detector/internal/telemetry"
	"github.com/andresmejia3/detector/internal/transport"
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "detector [model]",
	Short: "Object detection worker speaking a framed protocol on descriptors 3 and 4",
	Long: `Runs as a child of a host process. Each request read from descriptor 3 is
an image; each response written to descriptor 4 is a JSON document with the
image shape, the detected boxes and their labels. The process exits when the
host closes descriptor 3.

The optional model argument selects the weights (default: yolov3).`,
	Version:      Version, // This enables the --version flag
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		model := detector.DefaultModel
		if len(args) == 1 {
			model = args[0]
		}
		return runWorker(cmd.Context(), model)
	},
}

// runWorker loads the model once, binds the channels and serves until the
// host closes its end.
func runWorker(ctx context.Context, model string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	det, err := yolo.New(model)
	if err != nil {
		logger.Error("loading model", "model", model, "err", err)
		return fmt.Errorf("loading model %s: %w", model, err)
	}
	defer det.Close()

	ch, err := transport.Open()
	if err != nil {
		logger.Error("opening channels", "err", err)
		return err
	}
	logger.Info("detector ready", "model", model, "in", transport.InputFD, "out", transport.OutputFD)

	srv := server.New(det, model, workerOptions(logger)...)
	serveErr := srv.Serve(ctx, ch.Reader(), ch.Writer())
	closeErr := ch.Close()

	stats := srv.Stats()
	switch {
	case serveErr == nil:
		logger.Info("inbound channel closed, exiting",
			"requests", stats.Requests,
			"decode_failures", stats.DecodeFailures,
			"detector_failures", stats.DetectorFailures)
		return nil
	case server.IsProtocolError(serveErr):
		logger.Error("protocol error, exiting", "err", serveErr, "requests", stats.Requests)
	case server.IsTransportClosed(serveErr):
		logger.Error("host closed the response channel", "err", serveErr)
	default:
		logger.Error("transport error, exiting", "err", serveErr)
	}
	if closeErr != nil {
		logger.Debug("closing channels", "err", closeErr)
	}
	return serveErr
}

// workerOptions configures the worker's server. The dispatch hook records
// through the global OpenTelemetry providers, which the worker never
// installs: it is a no-op unless a program embedding the server calls
// telemetry.Setup first.
func workerOptions(logger *slog.Logger) []server.Option {
	return []server.Option{
		server.WithLogger(logger),
		server.WithDispatchHook(telemetry.NewHook(telemetry.DefaultConfig())),
	}
}

// Execute runs the root command. The worker does not install signal handlers;
// host commands that need cancellation set up their own.
func Execute() {
	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
