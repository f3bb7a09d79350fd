package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tcpFlags struct {
	clientConfig
}

var tcpCmd = &cobra.Command{
	Use:   "tcp <subdomain> <token>",
	Short: "Lease a raw TCP capture port for a session",
	RunE:  runTCP,
}

func init() {
	rootCmd.AddCommand(tcpCmd)
	addClientFlags(tcpCmd, &tcpFlags.clientConfig)
}

func runTCP(cmd *cobra.Command, args []string) error {
	subdomain, token, err := sessionArgs(cmd, args)
	if err != nil {
		return err
	}

	c, err := tcpFlags.newClient()
	if err != nil {
		return err
	}

	port, err := c.LeaseTCPPort(subdomain, token)
	if err != nil {
		return err
	}
	fmt.Printf("Port %d is now capturing for %s.\n", port, subdomain)
	return nil
}
