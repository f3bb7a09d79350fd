package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var newFlags struct {
	clientConfig
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Allocate a new capture session",
	RunE:  runNew,
}

func init() {
	rootCmd.AddCommand(newCmd)
	addClientFlags(newCmd, &newFlags.clientConfig)
}

func runNew(cmd *cobra.Command, args []string) error {
	c, err := newFlags.newClient()
	if err != nil {
		return err
	}

	sess, err := c.CreateSession()
	if err != nil {
		return err
	}

	fmt.Printf("Subdomain: %s\n", sess.Subdomain)
	fmt.Printf("Token:     %s\n", sess.Token)
	fmt.Printf("Expires:   %s\n", sess.ExpiresAt.Format("2006-01-02 15:04:05 MST"))

	if len(sess.Payloads) > 0 {
		fmt.Println()
		fmt.Println("Payloads:")
		names := make([]string, 0, len(sess.Payloads))
		for name := range sess.Payloads {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-6s %s\n", name+":", sess.Payloads[name])
		}
	}
	return nil
}
