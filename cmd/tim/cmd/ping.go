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
	"github.com/spf13/cobra"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Ping the cluster and display basic information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClusterClient()
			if err != nil {
				return err
			}
			im := tim.NewIndexManager(client, logger)
			info, err := im.ClusterInfo(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Name: %s\n", info.Name)
			cmd.Printf("UUID: %s\n", info.UUID)
			cmd.Printf("Version: %s\n", info.Version)
			cmd.Printf("Lucene version: %s\n", info.LuceneVersion)
			return nil
		},
	}
}
