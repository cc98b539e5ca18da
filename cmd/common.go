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
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/valpere/croissant/internal/backend"
	"github.com/valpere/croissant/internal/config"
	"github.com/valpere/croissant/internal/detector"
	"github.com/valpere/croissant/internal/prompt"
	"github.com/valpere/croissant/internal/session"
	"github.com/valpere/croissant/internal/store"
	"github.com/valpere/croissant/internal/validator"
)

// languageDetector builds the detector once; its models are large.
var languageDetector = sync.OnceValue(detector.New)

// buildBackend constructs the inference backend named in cfg.
func buildBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case "ollama":
		return backend.NewOllamaBackend(cfg.OllamaURL), nil
	case "openai":
		return backend.NewOpenAIBackend(cfg.OpenAIURL, cfg.OpenAIKey), nil
	}
	return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
}

// newManager returns a session manager for the configured backend and model.
func newManager(cfg *config.Config) (*session.Manager, error) {
	b, err := buildBackend(cfg)
	if err != nil {
		return nil, err
	}
	return session.New(b, cfg.Model, session.WithLogger(appLog)), nil
}

// resolveDirection parses name, detecting the source language of text when
// name is "auto". Detection falls back to English to French.
func resolveDirection(name, text string) (prompt.Direction, error) {
	if name != "auto" {
		return prompt.ParseDirection(name)
	}
	dir, ok := languageDetector().Direction(text, prompt.EnglishToFrench)
	if ok {
		fmt.Fprintf(os.Stderr, "Detected source language: %s\n", dir.Source())
	} else {
		fmt.Fprintf(os.Stderr, "Could not detect source language, using %s\n", dir)
	}
	return dir, nil
}

// checkOutput warns on stderr when output does not look like dir's target
// language.
func checkOutput(output string, dir prompt.Direction) {
	if err := validator.New(languageDetector()).Check(output, dir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// openStore opens the history database unless caching is disabled.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.NoCache || cfg.DB == "" {
		return nil, nil
	}
	db, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// watchProgress draws load progress on stderr until the returned func is
// called. stop may be called more than once.
func watchProgress(ctx context.Context, m *session.Manager) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		for {
			select {
			case r := <-m.Progress():
				printProgress(r)
				if r.Done() {
					fmt.Fprintln(os.Stderr)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}

const progressWidth = 30

func printProgress(r session.ProgressReport) {
	n := int(r.Fraction * progressWidth)
	n = max(0, min(n, progressWidth))
	bar := strings.Repeat("#", n) + strings.Repeat("-", progressWidth-n)
	fmt.Fprintf(os.Stderr, "\r%-11s [%s] %5s%% %s\033[K",
		r.Phase, bar, humanize.FtoaWithDigits(r.Fraction*100, 1), r.Text)
}
