package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pillmate/devicecfg/internal/header"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type migrateOptions struct {
	header string
	out    string
	force  bool
}

var migrateOpts = &migrateOptions{}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Convert a legacy config.h into a pillmate configuration file",
	Run: func(_ *cobra.Command, _ []string) {
		if err := runMigrate(migrateOpts, os.Stdout); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateOpts.header, "header", "", "legacy config.h to read")
	migrateCmd.Flags().StringVar(&migrateOpts.out, "out", "-", "configuration file to write, - for stdout")
	migrateCmd.Flags().BoolVar(&migrateOpts.force, "force", false, "overwrite the output file")

	if err := migrateCmd.MarkFlagRequired("header"); err != nil {
		slog.Error("failed to mark required flag", "error", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(migrateCmd)
}

type migratedConfig struct {
	Device model.DeviceParams `yaml:"device"`
}

func runMigrate(opts *migrateOptions, stdout io.Writer) error {
	fh, err := os.Open(opts.header)
	if err != nil {
		return errors.Wrap(model.ErrConfig, err.Error())
	}
	defer fh.Close()

	defines, err := header.Parse(fh)
	if err != nil {
		return err
	}

	params := defines.DeviceParams()
	dev := model.NewDevice(params)

	logger := slog.With(dev.AsLogFields()...)
	if err := dev.Validate(); err != nil {
		logger.Warn("Migrated device record is not usable yet", "error", err)
	} else {
		logger.Info("Migrated device record")
	}

	return writeOutput(opts.out, stdout, opts.force, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(&migratedConfig{Device: params}); err != nil {
			return errors.Wrap(err, "encode configuration")
		}

		return enc.Close()
	})
}
