package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// deviceView is the printable form of a device record. It never carries
// the secret or the WiFi password.
type deviceView struct {
	WifiSSID        string   `yaml:"wifi_ssid"`
	WifiPasswordSet bool     `yaml:"wifi_password_set"`
	BackendURL      string   `yaml:"backend_url"`
	Serial          string   `yaml:"serial"`
	SecretSHA256    string   `yaml:"secret_sha256"`
	Provisioned     bool     `yaml:"provisioned"`
	Problems        string   `yaml:"problems,omitempty"`
	Warnings        []string `yaml:"warnings,omitempty"`
}

func newDeviceView(dev model.Device) *deviceView {
	view := &deviceView{
		WifiSSID:        dev.WifiSSID(),
		WifiPasswordSet: dev.WifiPassword() != "",
		BackendURL:      dev.BackendURL(),
		Serial:          dev.Serial(),
		SecretSHA256:    dev.SecretDigest(),
		Provisioned:     dev.IsProvisioned(),
		Warnings:        dev.Warnings(),
	}

	if err := dev.Validate(); err != nil {
		view.Problems = err.Error()
	}

	return view
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved device record with secrets redacted",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runShow(cmd.Context(), args, os.Stdout); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(ctx context.Context, args *model.Args, w io.Writer) error {
	config, err := loadConfiguration(ctx, args)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(newDeviceView(config.Device())); err != nil {
		return errors.Wrap(err, "encode device")
	}

	return enc.Close()
}
