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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/valpere/croissant/internal/orchestrator"
	"github.com/valpere/croissant/internal/store"
)

var (
	inputFile  string
	outputFile string
	swap       bool
)

var translateCmd = &cobra.Command{
	Use:   "translate [text...]",
	Short: "Translate text between English and French",
	Long: `Translate text paragraph by paragraph over a single model session.

Input is read from --input, from the arguments, or from stdin. Output is
streamed to stdout as it is generated unless --output is given. Blank lines
are kept as they are. Press Ctrl-C to stop; the text translated so far is
kept.

Directions:
  en-fr   English to French (default)
  fr-en   French to English
  auto    Detect the source language

Use --swap to reverse the configured direction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile != "" && inputFile == outputFile {
			return fmt.Errorf("input file and output file cannot be the same")
		}

		text, err := readInput(args)
		if err != nil {
			return err
		}

		dir, err := resolveDirection(appCfg.Direction, text)
		if err != nil {
			return err
		}
		if swap {
			dir = dir.Swap()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		db, err := openStore(appCfg)
		if err != nil {
			return err
		}
		if db != nil {
			defer db.Close()

			if cached, found, cacheErr := db.GetCachedTranslation(ctx, text, dir.String(), appCfg.Model); cacheErr == nil && found {
				fmt.Fprintf(os.Stderr, "Using cached translation\n")
				return writeOutput(cached)
			}
		}

		m, err := newManager(appCfg)
		if err != nil {
			return err
		}
		defer m.Close()

		orch := orchestrator.New(m, orchestrator.OrchestratorConfig{
			Clean:         appCfg.Clean,
			StreamTimeout: appCfg.StreamTimeout,
			Logger:        appLog,
		})

		// Deltas go straight to stdout; cleaned output is only known at the end.
		live := outputFile == "" && !appCfg.Clean
		printed := 0
		stopProgress := watchProgress(ctx, m)
		result, err := orch.Translate(ctx, text, dir, func(e orchestrator.Event) {
			if !live {
				return
			}
			stopProgress()
			fmt.Print(e.Output[printed:])
			printed = len(e.Output)
		})
		stopProgress()

		if result != nil && db != nil {
			record(db, text, result, err)
		}
		if err != nil {
			if live && printed > 0 {
				fmt.Println()
			}
			return fmt.Errorf("translation failed: %w", err)
		}

		if live {
			fmt.Println(result.Output[printed:])
		} else if err := writeOutput(result.Output); err != nil {
			return err
		}

		if result.Cancelled {
			fmt.Fprintf(os.Stderr, "Translation stopped after %d of %d paragraphs\n", result.Translated, result.Paragraphs)
		} else if result.Paragraphs > 0 {
			checkOutput(result.Output, dir)
		}
		if result.Stats != "" {
			fmt.Fprintf(os.Stderr, "%s\n", result.Stats)
		}
		return nil
	},
}

// readInput returns the text to translate from --input, args or stdin.
func readInput(args []string) (string, error) {
	switch {
	case inputFile != "" && inputFile != "-":
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return "", fmt.Errorf("failed to read input file: %w", err)
		}
		return string(data), nil
	case len(args) > 0:
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func writeOutput(text string) error {
	if outputFile == "" || outputFile == "-" {
		fmt.Println(text)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Translation written to %s\n", outputFile)
	return nil
}

// record stores the job in history and remembers complete translations.
func record(db *store.Store, text string, result *orchestrator.OrchestratorResult, jobErr error) {
	if result.Paragraphs == 0 {
		return
	}
	ctx := context.Background()
	job := store.Job{
		ID:         result.ID,
		Backend:    appCfg.Backend,
		Model:      appCfg.Model,
		Direction:  result.Direction.String(),
		SourceText: text,
		Output:     result.Output,
		Paragraphs: result.Paragraphs,
		Translated: result.Translated,
		Cancelled:  result.Cancelled,
		Stats:      result.Stats,
		Elapsed:    result.Elapsed,
	}
	if jobErr != nil {
		job.Error = jobErr.Error()
	}
	if err := db.SaveJob(ctx, job); err != nil {
		appLog.Warn("failed to record job", "job", result.ID, "err", err)
	}

	if jobErr == nil && !result.Cancelled {
		if err := db.SaveToMemory(ctx, text, job.Direction, appCfg.Model, result.Output); err != nil {
			appLog.Warn("failed to save translation memory", "err", err)
		}
	}
}

func init() {
	rootCmd.AddCommand(translateCmd)

	translateCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input file to translate (- for stdin)")
	translateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default stdout)")
	translateCmd.Flags().BoolVar(&swap, "swap", false, "Reverse the translation direction")
}
