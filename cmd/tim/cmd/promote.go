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

	"github.com/spf13/cobra"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func newPromoteCmd() *cobra.Command {
	var index string
	var extraAliases []string

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote an index to the primary alias",
		Long: `Promote an index to the primary alias and any other existing aliases
for its source, demoting the superseded index in the same atomic request.

Additional aliases can be supplied with --alias; missing ones are created.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if index == "" {
				return errors.New("--index is required")
			}
			client, err := newClusterClient()
			if err != nil {
				return err
			}
			am := tim.NewAliasManager(client, logger)
			if err := am.Promote(cmd.Context(), index, extraAliases...); err != nil {
				return err
			}
			cmd.Printf("Index promoted: %s\n", index)
			return nil
		},
	}

	cmd.Flags().StringVarP(&index, "index", "i", "", "Name of the index to promote")
	cmd.Flags().StringArrayVarP(&extraAliases, "alias", "a", nil,
		"Additional alias to promote the index to (repeatable)")
	return cmd
}
