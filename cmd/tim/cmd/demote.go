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
	"slices"
	"strings"

	"github.com/spf13/cobra"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func newDemoteCmd() *cobra.Command {
	var index string
	var force bool

	cmd := &cobra.Command{
		Use:   "demote",
		Short: "Demote an index from all its aliases",
		Long: `Demote an index from every alias currently bound to it, in one atomic
request. Demoting an index bound to the primary alias leaves its source
without a queryable index, so that case asks for confirmation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if index == "" {
				return errors.New("--index is required")
			}
			client, err := newClusterClient()
			if err != nil {
				return err
			}
			am := tim.NewAliasManager(client, logger)

			aliases, err := am.IndexAliases(cmd.Context(), index)
			if err != nil {
				return err
			}
			if slices.Contains(aliases, tim.PrimaryAlias) && !force {
				prompt := fmt.Sprintf(
					"Index %q is bound to the %q alias; demoting it will leave source %q without a queryable index. Continue?",
					index, tim.PrimaryAlias, tim.SourceFromIndex(index))
				if !confirm(cmd, prompt) {
					cmd.Println("Aborted.")
					return nil
				}
			}

			removed, err := am.Demote(cmd.Context(), index)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				cmd.Printf("Index %s has no aliases; nothing to demote.\n", index)
				return nil
			}
			cmd.Printf("Index %s demoted from aliases: %s\n", index, strings.Join(removed, ", "))
			return nil
		},
	}

	cmd.Flags().StringVarP(&index, "index", "i", "", "Name of the index to demote")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Demote without confirmation")
	return cmd
}
