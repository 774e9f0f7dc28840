// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func newReindexCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:     "reindex FILE",
		Aliases: []string{"reindex-source"},
		Short:   "Create a new index, bulk load it, and promote it",
		Long: `Perform a full reindex of a source: create a fresh timestamped index,
bulk load the provided file into it, and promote it to the primary alias on
success, atomically demoting the superseded index.

Promotion is skipped if any record failed to load, leaving the previous index
in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return errors.New("--source is required")
			}
			client, err := newClusterClient()
			if err != nil {
				return err
			}
			im := tim.NewIndexManager(client, logger)
			am := tim.NewAliasManager(client, logger)

			index, err := im.CreateIndexForSource(cmd.Context(), source)
			if err != nil {
				return err
			}
			cmd.Printf("Index created: %s\n", index)

			stats, err := runIngest(cmd, client, index, args[0])
			if err != nil {
				return err
			}
			printIngestStats(cmd, stats)
			if stats.Failed > 0 {
				return fmt.Errorf(
					"%d records failed to load into %q; promotion skipped, previous index left in place",
					stats.Failed, index)
			}

			if err := am.Promote(cmd.Context(), index); err != nil {
				return err
			}
			cmd.Printf("Index promoted: %s\n", index)
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source short name to reindex")
	return cmd
}
