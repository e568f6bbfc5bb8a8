package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pillmate/devicecfg/internal/header"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type headerOptions struct {
	out                string
	allowUnprovisioned bool
}

var headerOpts = &headerOptions{}

var headerCmd = &cobra.Command{
	Use:   "header",
	Short: "Render config.h for the firmware build",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runHeader(cmd.Context(), args, headerOpts, os.Stdout); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func init() {
	headerCmd.Flags().StringVar(&headerOpts.out, "out", "-", "output file, - for stdout")
	headerCmd.Flags().BoolVar(&headerOpts.allowUnprovisioned, "allow-unprovisioned", false, "render a template header with placeholder credentials")

	rootCmd.AddCommand(headerCmd)
}

func runHeader(ctx context.Context, args *model.Args, opts *headerOptions, stdout io.Writer) error {
	config, err := loadConfiguration(ctx, args)
	if err != nil {
		return err
	}

	dev := config.Device()

	if err := dev.Validate(); err != nil {
		if !errors.Is(err, model.ErrUnprovisioned) || !opts.allowUnprovisioned {
			slog.Error("Refusing to render config header", "error", err)
			return err
		}

		slog.Warn("Rendering header for an unprovisioned device, the firmware will not boot", "error", err)
	}

	return writeOutput(opts.out, stdout, true, func(w io.Writer) error {
		return header.Render(w, dev)
	})
}

// writeOutput writes to stdout for "-", or to path with owner only
// permissions since the content holds credentials.
func writeOutput(path string, stdout io.Writer, force bool, write func(io.Writer) error) error {
	if path == "-" || path == "" {
		return write(stdout)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !force {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}

	fh, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return errors.Wrap(err, "open output")
	}

	if err := write(fh); err != nil {
		fh.Close()
		os.Remove(path)

		return err
	}

	if err := fh.Close(); err != nil {
		os.Remove(path)

		return errors.Wrap(err, "close output")
	}

	slog.Info("Wrote file", "path", path)

	return nil
}
