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
	"time"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report whether the model weights are already downloaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager(appCfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		state, err := m.ProbeCache(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("backend:    %s\n", appCfg.Backend)
		fmt.Printf("model:      %s\n", m.ModelID())
		fmt.Printf("downloaded: %s\n", yesNo(state))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
