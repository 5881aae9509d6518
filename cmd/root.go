// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cmd holds the service's command-line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "inletdocs",
	Short: "Real-time document question answering service",
	Long: `inletdocs answers questions about a user's uploaded documents over
WebSocket, streaming each answer token by token. Retrieval runs against
a Weaviate vector index, durable chat history lives in MySQL, and the
rolling transcript is cached in Redis.`,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".",
		"directory containing config.yaml")
}
