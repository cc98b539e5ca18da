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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/valpere/croissant/internal/orchestrator"
	"github.com/valpere/croissant/internal/prompt"
	"github.com/valpere/croissant/internal/server"
	"github.com/valpere/croissant/internal/validator"
)

var serveWarmup bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the translator over HTTP",
	Long: `Start an HTTP server exposing the translator.

Endpoints:
  POST /api/translate   {"text": "...", "direction": "en-fr|fr-en|auto"}, NDJSON stream
  POST /api/interrupt   stop the running translation
  POST /api/reset       clear the conversation when idle
  GET  /api/status      session state, cache state, busy flag
  GET  /api/history     recent jobs
  GET  /api/health      liveness
  GET  /metrics         Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dir := prompt.EnglishToFrench
		if appCfg.Direction != "auto" {
			d, err := prompt.ParseDirection(appCfg.Direction)
			if err != nil {
				return err
			}
			dir = d
		}

		db, err := openStore(appCfg)
		if err != nil {
			return err
		}
		if db != nil {
			defer db.Close()
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

		srv := &http.Server{
			Addr: appCfg.Listen,
			Handler: server.NewRouter(server.Deps{
				Orchestrator: orch,
				Sessions:     m,
				Detector:     languageDetector(),
				Checker:      validator.New(languageDetector()),
				Store:        db,
				Backend:      appCfg.Backend,
				Direction:    dir,
				Log:          appLog,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if serveWarmup {
			go func() {
				if _, err := warmup(ctx, m); err != nil {
					appLog.Error("warmup failed", "err", err)
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() {
			appLog.Info("server listening", "addr", appCfg.Listen, "model", appCfg.Model)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		appLog.Info("shutting down")
		orch.Interrupt()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "127.0.0.1:8088", "Address to listen on")
	serveCmd.Flags().BoolVar(&serveWarmup, "warmup", false, "Load the model at startup instead of on the first request")
	bindFlag("listen", "listen", serveCmd)
}
