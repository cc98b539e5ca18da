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
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/valpere/croissant/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past translations and the translation memory",
	Long:  `List recent jobs, show one job, print statistics, or clear the SQLite translation memory.`,
}

func openHistory() (*store.Store, error) {
	db, err := store.New(appCfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent translation jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		jobs, err := db.ListJobs(context.Background(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		if len(jobs) == 0 {
			fmt.Println("No translations recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWHEN\tDIRECTION\tPARAGRAPHS\tSTATUS\tELAPSED\tTEXT")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				j.ID, humanize.Time(j.CreatedAt), j.Direction,
				j.Translated, j.Paragraphs, jobStatus(j), j.Elapsed.Round(time.Millisecond), snippet(j.SourceText, 40))
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the output of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		j, err := db.GetJob(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s, %s, %s\n", j.Direction, jobStatus(*j), humanize.Time(j.CreatedAt))
		if j.Stats != "" {
			fmt.Fprintf(os.Stderr, "%s\n", j.Stats)
		}
		fmt.Println(j.Output)
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job and translation memory statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Jobs:            %s\n", humanize.Comma(int64(stats.Jobs)))
		fmt.Printf("  cancelled:     %s\n", humanize.Comma(int64(stats.CancelledJobs)))
		fmt.Printf("  failed:        %s\n", humanize.Comma(int64(stats.FailedJobs)))
		fmt.Printf("Memory entries:  %s\n", humanize.Comma(int64(stats.MemoryEntries)))
		fmt.Printf("Memory hits:     %s\n", humanize.Comma(int64(stats.MemoryHits)))
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all translation memory entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ClearMemory(context.Background())
		if err != nil {
			return fmt.Errorf("failed to clear memory: %w", err)
		}
		fmt.Printf("Removed %d entries.\n", n)
		return nil
	},
}

func jobStatus(j store.Job) string {
	switch {
	case j.Error != "":
		return "failed"
	case j.Cancelled:
		return "stopped"
	}
	return "done"
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyStatsCmd, historyClearCmd)

	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of jobs to list (0 = all)")
}
