/*
Copyright © 2024 PillMate authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/pillmate/devicecfg/internal/configuration"
	"github.com/pillmate/devicecfg/internal/log"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pillmate/devicecfg/internal/version"
	"github.com/spf13/cobra"
)

var (
	args = &model.Args{}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pillmate",
	Short: "pillmate checks and renders the configuration of PillMate dispensers",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		log.InitLogger()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&args.ConfigFile, "config", "", "configuration file, env vars with the PILLMATE_ prefix override it")

	rootCmd.PersistentFlags().
		StringVar(&args.LogLevel, "log-level", "", "set logging level - debug, trace")
}

// loadConfiguration loads the configuration and tags the default logger
// with a run ID so all lines of one invocation can be grouped.
func loadConfiguration(ctx context.Context, args *model.Args) (*configuration.Configuration, error) {
	config, err := configuration.Load(ctx, args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, err
	}

	log.SetLevel(config.LogLevel)

	slog.SetDefault(slog.Default().With("runID", uuid.NewString()))
	slog.With(version.Current().AsLogFields()...).Debug("pillmate starting")
	slog.Info("Configuration loaded", config.AsLogFields()...)

	return config, nil
}
