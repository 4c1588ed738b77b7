// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/auth"
)

// NewHashPasswordCmd creates the hash-password subcommand, used to produce
// credential hashes for the users section of the config file.
func NewHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash a client password for the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.Hash(args[0])
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			cmd.Println(hash)
			return nil
		},
	}
}
