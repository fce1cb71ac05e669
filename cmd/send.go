package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/andresmejia3/detector/internal/detector"
	"github.com/andresmejia3/detector/internal/frame"
	"github.com/andresmejia3/detector/internal/store"
	"github.com/andresmejia3/detector/internal/telemetry"
	"github.com/andresmejia3/detector/internal/types"
	"github.com/andresmejia3/detector/internal/utils"
	"github.com/andresmejia3/detector/internal/worker"
)

// SendOptions holds the configuration for the send command
type SendOptions struct {
	Model   string
	Worker  string
	DBURL   string
	Trace   bool
	Verbose bool
}

var sendOpts SendOptions

var sendCmd = &cobra.Command{
	Use:   "send <image>...",
	Short: "Run images through a detector child process and print one JSON result per line",
	Long: `Starts the detector as a child process, connected through descriptors 3 and 4,
sends every image under a fresh correlation id and prints the results as JSON
lines on stdout. Results are also saved to PostgreSQL when --db or the
POSTGRES_* environment is set.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		runSend(ctx, sendOpts, args)
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendOpts.Model, "model", "m", detector.DefaultModel, "Model the child loads")
	sendCmd.Flags().StringVarP(&sendOpts.Worker, "worker", "w", "", "Detector binary to launch (default: this executable)")
	sendCmd.Flags().BoolVarP(&sendOpts.Trace, "trace", "t", false, "Export spans and metrics for each request to stderr")
	sendCmd.Flags().BoolVarP(&sendOpts.Verbose, "verbose", "v", false, "Mirror the child's log output to stderr")
	addDBFlag(sendCmd, &sendOpts.DBURL)
	rootCmd.AddCommand(sendCmd)
}

// sendLine is one line of send's output
type sendLine struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	types.Result
}

func runSend(ctx context.Context, opts SendOptions, paths []string) {
	// 1. Validate before launching anything
	if err := validateSendArgs(&opts, paths); err != nil {
		utils.Die("Invalid arguments", err, nil)
	}

	// 2. Optional persistence, only when a database was configured
	var db *store.Store
	if url := resolveDBURL(opts.DBURL, getenv, ""); url != "" {
		var err error
		if db, err = connectDB(ctx, url); err != nil {
			utils.Die("Database unavailable", err, nil)
		}
		defer closeDB(db)
	}

	// 3. Optional tracing
	var clientOpts []worker.ClientOption
	clientOpts = append(clientOpts, worker.WithModel(opts.Model))
	if opts.Trace {
		shutdown, err := telemetry.Setup(os.Stderr)
		if err != nil {
			utils.Die("Failed to set up tracing", err, nil)
		}
		defer shutdown(context.Background())

		cfg := telemetry.DefaultConfig()
		cfg.SpanKind = trace.SpanKindClient
		cfg.ServiceName = "detector-host"
		clientOpts = append(clientOpts, worker.WithHook(telemetry.NewHook(cfg)))
	}

	// 4. Start the child
	child := utils.NewSafeCommand(opts.Worker, opts.Model)
	if opts.Verbose {
		child.Tee(os.Stderr)
	}
	proc, err := worker.Start(child, clientOpts...)
	if err != nil {
		utils.Die("Worker startup failed", err, child)
	}

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("🔍 Detecting"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	// 5. One request in flight at a time
	out := json.NewEncoder(os.Stdout)
	sent := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️  Interrupted after %d of %d images\n", sent, len(paths))
			break
		}
		if err := sendOne(ctx, proc.Client, db, out, opts.Model, path); err != nil {
			proc.Close()
			utils.Die(fmt.Sprintf("Request for %s failed", path), err, proc.Cmd)
		}
		sent++
		bar.Add(1)
	}
	bar.Finish()

	// 6. Closing our end tells the child to exit
	if err := proc.Close(); err != nil {
		utils.Die("Worker exited with an error", err, proc.Cmd)
	}
}

func sendOne(ctx context.Context, c *worker.Client, db *store.Store, out *json.Encoder, model, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	id := uuid.New()
	res, err := c.Detect(ctx, frame.CorrelationID(id), data)
	if err != nil {
		return err
	}

	if err := writeLine(out, id, path, res); err != nil {
		return err
	}
	if db != nil {
		if err := db.SaveResult(ctx, store.Record{ID: id, Path: path, Model: model, Result: res}); err != nil {
			return fmt.Errorf("saving result: %w", err)
		}
	}
	return nil
}

func writeLine(out *json.Encoder, id uuid.UUID, path string, res types.Result) error {
	return out.Encode(sendLine{ID: id.String(), Path: path, Result: res})
}

// validateSendArgs checks the inputs and fills in defaults before any process is started.
func validateSendArgs(opts *SendOptions, paths []string) error {
	if _, ok := detector.Models[opts.Model]; !ok {
		return fmt.Errorf("%w %q", detector.ErrUnknownModel, opts.Model)
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("image %s does not exist", p)
			}
			return fmt.Errorf("unable to access image %s: %w", p, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory, expected an image file", p)
		}
	}
	if opts.Worker == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating detector binary: %w", err)
		}
		opts.Worker = exe
	}
	return nil
}
