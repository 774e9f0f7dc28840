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
	"sort"

	"github.com/spf13/cobra"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func newAliasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aliases",
		Short: "List all aliases and their indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClusterClient()
			if err != nil {
				return err
			}
			am := tim.NewAliasManager(client, logger)
			aliases, err := am.Aliases(cmd.Context())
			if err != nil {
				return err
			}
			if len(aliases) == 0 {
				cmd.Println("No aliases present in the cluster.")
				return nil
			}
			names := make([]string, 0, len(aliases))
			for name := range aliases {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cmd.Printf("Alias: %s\n", name)
				for _, index := range aliases[name] {
					cmd.Printf("  %s\n", index)
				}
			}
			return nil
		},
	}
}
