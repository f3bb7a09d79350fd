package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteFlags struct {
	clientConfig
}

var deleteCmd = &cobra.Command{
	Use:   "delete <subdomain> <token>",
	Short: "Destroy a session and its cached records",
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	addClientFlags(deleteCmd, &deleteFlags.clientConfig)
}

func runDelete(cmd *cobra.Command, args []string) error {
	subdomain, token, err := sessionArgs(cmd, args)
	if err != nil {
		return err
	}

	c, err := deleteFlags.newClient()
	if err != nil {
		return err
	}

	if err := c.DeleteSession(subdomain, token); err != nil {
		return err
	}
	fmt.Printf("Session %s deleted.\n", subdomain)
	return nil
}
