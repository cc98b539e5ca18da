/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/valpere/croissant/internal/config"
	"github.com/valpere/croissant/internal/logger"
)

var version = "0.1.0"

var (
	cfgFile string

	v      = config.New()
	appCfg *config.Config
	appLog *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "croissant",
	Short: "Streaming English-French translator on a local LLM",
	Long: `A CLI application that translates text between English and French with a
single chat model session (CroissantLLM by default), paragraph by paragraph,
streaming the translation as it is generated.

Supported backends: Ollama, any OpenAI-compatible server (llama.cpp, vLLM)

Use "croissant translate --help" for translation options.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		appCfg = c
		appLog = logger.New(c.LogLevel, c.LogFormat).With("backend", c.Backend)
		if f := v.ConfigFileUsed(); f != "" {
			appLog.Debug("config loaded", "file", f)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bindFlag ties a config key to a flag of cmd so the flag wins when set.
func bindFlag(key string, flag string, cmd *cobra.Command) {
	f := cmd.Flags().Lookup(flag)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(flag)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default ./croissant.yaml or $XDG_CONFIG_HOME/croissant/croissant.yaml)")

	pf.String("backend", "ollama", "Inference backend: ollama or openai")
	pf.StringP("model", "m", config.DefaultModel, "Model ID to load")
	pf.String("ollama-url", "http://localhost:11434", "Ollama base URL")
	pf.String("openai-url", "http://localhost:8080/v1", "OpenAI-compatible API base URL")
	pf.String("openai-key", "", "API key for the OpenAI-compatible server")

	pf.StringP("direction", "d", "en-fr", "Translation direction: en-fr, fr-en or auto")
	pf.Bool("clean", false, "Strip chat template artifacts from finished paragraphs")
	pf.Duration("stream-timeout", 5*time.Minute, "Fail a paragraph whose generation runs longer than this; model loading is not limited (0 disables)")

	pf.String("db", "croissant.db", "Database path for job history and translation memory")
	pf.Bool("no-cache", false, "Disable translation memory and job history")

	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")

	for key, flag := range map[string]string{
		"backend":        "backend",
		"model":          "model",
		"ollama_url":     "ollama-url",
		"openai_url":     "openai-url",
		"openai_key":     "openai-key",
		"direction":      "direction",
		"clean":          "clean",
		"stream_timeout": "stream-timeout",
		"db":             "db",
		"no_cache":       "no-cache",
		"log_level":      "log-level",
		"log_format":     "log-format",
	} {
		bindFlag(key, flag, rootCmd)
	}
}
