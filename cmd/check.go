package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/pillmate/devicecfg/internal/backend"
	"github.com/pillmate/devicecfg/internal/log"
	"github.com/pillmate/devicecfg/internal/metrics"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pillmate/devicecfg/internal/preflight"
	"github.com/pillmate/devicecfg/internal/version"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	outputText = "text"
	outputJSON = "json"
)

type checkOptions struct {
	probe           bool
	output          string
	metricsTextfile string
}

var checkOpts = &checkOptions{}

// checkCmd is the boot gate: a non-zero exit means the device must not
// join the network with this record.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the device record is provisioned and valid",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx, otelShutdown := otelinit.InitOpenTelemetry(cmd.Context(), model.AppName)
		defer otelShutdown(ctx)

		if err := runCheck(ctx, args, checkOpts, os.Stdout, nil); err != nil {
			otelShutdown(ctx)
			os.Exit(1)
		}
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkOpts.probe, "probe", false, "also query the backend health function")
	checkCmd.Flags().StringVarP(&checkOpts.output, "output", "o", outputText, "output format - text, json")
	checkCmd.Flags().StringVar(&checkOpts.metricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(ctx context.Context, args *model.Args, opts *checkOptions, w io.Writer, backendOpts []backend.Option) error {
	if opts.output != outputText && opts.output != outputJSON {
		return errors.Wrapf(model.ErrConfig, "unknown output format %q", opts.output)
	}

	config, err := loadConfiguration(ctx, args)
	if err != nil {
		return err
	}

	dev := config.Device()
	logger := log.NewLogrusLogger(config.LogLevel)

	m := metrics.New()
	m.ExportBuildInfo(version.Current())

	var prober preflight.Prober
	if opts.probe {
		prober = backend.NewClient(dev, config.Probe, logger, backendOpts...)
	}

	runner := preflight.NewTaskRunner(
		logger,
		metrics.NewPublisher(m, dev.IsProvisioned()),
		preflight.NewBootTask(dev, prober),
	)

	runErr := runner.Run(ctx)
	if errors.Is(runErr, model.ErrUnprovisioned) {
		slog.Error("Device is not provisioned, register it and reflash the firmware", "serial", dev.Serial())
	}

	textfile := opts.metricsTextfile
	if textfile == "" {
		textfile = config.Metrics.Textfile
	}

	if textfile != "" {
		if err := m.WriteTextfile(textfile); err != nil {
			slog.Error("Failed to write metrics", "error", err, "path", textfile)
		}
	}

	if err := writeStatus(w, opts.output, runner.Status()); err != nil {
		return err
	}

	return runErr
}

func writeStatus(w io.Writer, output string, status *preflight.TaskStatus) error {
	if output == outputJSON {
		b, err := status.Marshal()
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(w, string(b))

		return err
	}

	fmt.Fprintf(w, "%s %s: %s\n", status.Task, status.Serial, status.Status)

	for _, step := range status.Steps {
		line := fmt.Sprintf("  [%s] %s", step.Status, step.Step)
		if step.Details != "" {
			line += ": " + step.Details
		}

		if step.Error != "" {
			line += " (" + step.Error + ")"
		}

		fmt.Fprintln(w, line)
	}

	for _, warning := range status.Warnings {
		fmt.Fprintln(w, "  warning: "+warning)
	}

	return nil
}
