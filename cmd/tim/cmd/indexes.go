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
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func newIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "List all indexes in the cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClusterClient()
			if err != nil {
				return err
			}
			im := tim.NewIndexManager(client, logger)
			indexes, err := im.Indexes(cmd.Context())
			if err != nil {
				return err
			}
			if len(indexes) == 0 {
				cmd.Println("No indexes present in the cluster.")
				return nil
			}
			names := make([]string, 0, len(indexes))
			for name := range indexes {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()
			for _, name := range names {
				info := indexes[name]
				cmd.Println(name)
				printField(w, "Status", info.Status)
				printField(w, "Health", info.Health)
				printField(w, "Documents", info.Documents)
				printField(w, "Primary store size", info.PrimaryStoreSize)
				printField(w, "Total store size", info.TotalStoreSize)
				printField(w, "UUID", info.UUID)
				w.Flush()
			}
			return nil
		},
	}
}

func printField(w *tabwriter.Writer, name, value string) {
	fmt.Fprintf(w, "  %s:\t%s\n", name, value)
}
