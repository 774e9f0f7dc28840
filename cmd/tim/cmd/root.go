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

// Package cmd provides the CLI commands for tim, the TIMDEX index manager.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elastic/go-elasticsearch/v8"

	tim "github.com/MITLibraries/timdex-index-manager"
)

var (
	urlFlag string
	verbose bool

	logger    *zap.Logger
	envConfig tim.EnvConfig
	startTime time.Time
)

// NewRootCmd creates the root command for the tim CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tim",
		Short: "TIMDEX index manager",
		Long: `TIM manages TIMDEX indexes in OpenSearch.

It creates, deletes, promotes and demotes versioned indexes, and bulk loads
transformed TIMDEX records into them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			startTime = time.Now()
			var err error
			if logger, err = newLogger(verbose); err != nil {
				return err
			}
			if envConfig, err = tim.LoadEnvConfig(); err != nil {
				return err
			}
			endpoint := envConfig.Endpoint
			if urlFlag != "" {
				endpoint = urlFlag
			}
			logger.Info("OpenSearch endpoint configured", zap.String("endpoint", endpoint))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			logger.Info("total time to complete process",
				zap.Duration("elapsed", time.Since(startTime).Round(time.Millisecond)))
			logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&urlFlag, "url", "u", "",
		"OpenSearch endpoint, overriding the "+tim.EnvEndpoint+" environment variable")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newIndexesCmd())
	cmd.AddCommand(newAliasesCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newPromoteCmd())
	cmd.AddCommand(newDemoteCmd())
	cmd.AddCommand(newBulkUpdateCmd())
	cmd.AddCommand(newReindexCmd())

	return cmd
}

// Execute runs the root command, cancelling on SIGINT/SIGTERM so in-flight
// bulk work winds down cleanly.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return config.Build()
}

// newClusterClient builds an OpenSearch-compatible client from the configured
// endpoint. Endpoints with an explicit scheme are used verbatim; the
// well-known local hostnames connect without TLS on port 9200 with the
// default admin credentials; anything else is treated as a deployed cluster
// reached over TLS on port 443.
func newClusterClient() (*elasticsearch.Client, error) {
	endpoint := envConfig.Endpoint
	if urlFlag != "" {
		endpoint = urlFlag
	}

	config := elasticsearch.Config{
		Transport: apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	}
	switch {
	case strings.Contains(endpoint, "://"):
		config.Addresses = []string{endpoint}
	case endpoint == "localhost" || endpoint == "opensearch":
		config.Addresses = []string{fmt.Sprintf("http://%s:9200", endpoint)}
		config.Username = "admin"
		config.Password = "admin"
	default:
		config.Addresses = []string{fmt.Sprintf("https://%s:443", endpoint)}
		config.Username = os.Getenv("OPENSEARCH_USERNAME")
		config.Password = os.Getenv("OPENSEARCH_PASSWORD")
	}

	client, err := elasticsearch.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating cluster client: %w", err)
	}
	return client, nil
}

// confirm prompts on stdout and reads a y/n answer from stdin.
func confirm(cmd *cobra.Command, prompt string) bool {
	cmd.Printf("%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
