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
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/valpere/croissant/internal/session"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Download and load the model ahead of the first translation",
	Long: `Check whether the model weights are already present and load the model
into memory, downloading it first when needed. Progress is drawn on stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		m, err := newManager(appCfg)
		if err != nil {
			return err
		}
		defer m.Close()

		start := time.Now()
		state, err := warmup(ctx, m)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Model %s ready in %s (downloaded before: %s)\n",
			m.ModelID(), time.Since(start).Round(time.Millisecond), yesNo(state))
		return nil
	},
}

// warmup probes the weight cache and loads the session concurrently. The
// probe result only labels progress, so a probe failure is not fatal.
func warmup(ctx context.Context, m *session.Manager) (session.CacheState, error) {
	stopProgress := watchProgress(ctx, m)
	defer stopProgress()

	var state session.CacheState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := m.ProbeCache(gctx)
		if err != nil {
			appLog.Warn("cache probe failed", "err", err)
			return nil
		}
		state = s
		return nil
	})
	g.Go(func() error {
		_, err := m.EnsureReady(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return state, fmt.Errorf("warmup failed: %w", err)
	}
	return state, nil
}

func yesNo(s session.CacheState) string {
	switch s {
	case session.CachePresent:
		return "yes"
	case session.CacheAbsent:
		return "no"
	}
	return "unknown"
}

func init() {
	rootCmd.AddCommand(warmupCmd)
}
