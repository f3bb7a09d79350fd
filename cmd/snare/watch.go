package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var watchFlags struct {
	clientConfig
}

var watchCmd = &cobra.Command{
	Use:   "watch <subdomain> <token>",
	Short: "Stream records live as they are captured",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addClientFlags(watchCmd, &watchFlags.clientConfig)
}

func runWatch(cmd *cobra.Command, args []string) error {
	subdomain, token, err := sessionArgs(cmd, args)
	if err != nil {
		return err
	}

	c, err := watchFlags.newClient()
	if err != nil {
		return err
	}

	w, err := c.Watch(subdomain, token)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Printf("Watching %s (ctrl-c to stop)...\n", subdomain)
	for {
		rec, err := w.Next()
		if err != nil {
			return fmt.Errorf("stream closed: %w", err)
		}
		fmt.Printf("%-20s  %-4s  %-16s  %s\n",
			rec.ReceivedAt.Format("2006-01-02 15:04:05"),
			rec.Kind,
			rec.SourceIP,
			summarize(rec))
	}
}
