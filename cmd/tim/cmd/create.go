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

func newCreateCmd() *cobra.Command {
	var index string
	var source string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new index",
		Long: `Create a new index with the standard TIMDEX mappings.

Provide either an explicit index name, which must follow the
<source>-<YYYYMMDDThhmmssZ> naming convention, or a source short name, in
which case the index name is generated with the current timestamp.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (index == "") == (source == "") {
				return errors.New("exactly one of --index and --source is required")
			}
			client, err := newClusterClient()
			if err != nil {
				return err
			}
			im := tim.NewIndexManager(client, logger)

			var created string
			if index != "" {
				if err := tim.ValidateIndexName(index); err != nil {
					return err
				}
				created, err = im.CreateIndex(cmd.Context(), index)
			} else {
				created, err = im.CreateIndexForSource(cmd.Context(), source)
			}
			if err != nil {
				return err
			}
			cmd.Printf("Index created: %s\n", created)
			return nil
		},
	}

	cmd.Flags().StringVarP(&index, "index", "i", "", "Name of the index to create")
	cmd.Flags().StringVarP(&source, "source", "s", "", "Source short name to generate an index name for")
	return cmd
}
