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
	"time"

	"github.com/spf13/cobra"

	"github.com/elastic/go-elasticsearch/v8"

	tim "github.com/MITLibraries/timdex-index-manager"
)

func newBulkUpdateCmd() *cobra.Command {
	var index string
	var source string

	cmd := &cobra.Command{
		Use:   "bulk-update FILE",
		Short: "Bulk load records from a transformed TIMDEX file",
		Long: `Bulk load index, update and delete actions from a newline-delimited
JSON file of transformed TIMDEX records.

The target is either an explicit index, or the index currently promoted to
the primary alias for a source; a source with no promoted index gets a fresh
one. Per-record failures are reported in the final summary without stopping
the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (index == "") == (source == "") {
				return errors.New("exactly one of --index and --source is required")
			}
			client, err := newClusterClient()
			if err != nil {
				return err
			}

			target := index
			if target == "" {
				am := tim.NewAliasManager(client, logger)
				im := tim.NewIndexManager(client, logger)
				target, err = im.GetOrCreateIndexForSource(cmd.Context(), am, source)
				if err != nil {
					return err
				}
				cmd.Printf("Loading into index: %s\n", target)
			}

			stats, err := runIngest(cmd, client, target, args[0])
			if err != nil {
				return err
			}
			printIngestStats(cmd, stats)
			return nil
		},
	}

	cmd.Flags().StringVarP(&index, "index", "i", "", "Name of the index to load into")
	cmd.Flags().StringVarP(&source, "source", "s", "",
		"Source short name; loads into the source's promoted index, creating one if needed")
	return cmd
}

// runIngest streams the file through an Ingester configured from the
// environment.
func runIngest(cmd *cobra.Command, client *elasticsearch.Client, index, path string) (tim.IngestStats, error) {
	src, err := tim.OpenNDJSONFile(path)
	if err != nil {
		return tim.IngestStats{}, err
	}

	ing, err := tim.NewIngester(tim.Config{
		Client:           client,
		Logger:           logger,
		MaxDocumentBytes: envConfig.MaxChunkBytes,
		MaxRetries:       envConfig.MaxRetries,
		RequestTimeout:   envConfig.RequestTimeout,
		StatusInterval:   envConfig.StatusInterval,
	})
	if err != nil {
		return tim.IngestStats{}, err
	}
	return ing.Ingest(cmd.Context(), index, src)
}

func printIngestStats(cmd *cobra.Command, stats tim.IngestStats) {
	cmd.Printf("Records submitted: %d\n", stats.Submitted)
	cmd.Printf("Records indexed: %d\n", stats.Indexed)
	cmd.Printf("Records failed: %d\n", stats.Failed)
	cmd.Printf("Bulk requests: %d\n", stats.BulkRequests)
	cmd.Printf("Elapsed: %s\n", stats.Elapsed.Round(time.Millisecond))
}
