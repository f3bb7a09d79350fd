package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snarelabs/snare/internal/capture"
)

var recordsFlags struct {
	clientConfig
}

var recordsCmd = &cobra.Command{
	Use:   "records <subdomain> <token>",
	Short: "List captured records for a session",
	RunE:  runRecords,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	addClientFlags(recordsCmd, &recordsFlags.clientConfig)
}

func runRecords(cmd *cobra.Command, args []string) error {
	subdomain, token, err := sessionArgs(cmd, args)
	if err != nil {
		return err
	}

	c, err := recordsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.GetSession(subdomain, token)
	if err != nil {
		return err
	}

	if len(resp.Records) == 0 {
		fmt.Println("No records captured.")
		return nil
	}

	fmt.Printf("%-4s  %-20s  %-4s  %-16s  %s\n", "ID", "TIME", "KIND", "REMOTE", "SUMMARY")
	for _, rec := range resp.Records {
		fmt.Printf("%-4d  %-20s  %-4s  %-16s  %s\n",
			rec.ID,
			rec.ReceivedAt.Format("2006-01-02 15:04:05"),
			rec.Kind,
			rec.SourceIP,
			summarize(rec))
	}
	return nil
}

func summarize(rec capture.Record) string {
	switch rec.Kind {
	case capture.KindHTTP:
		if rec.HTTP != nil {
			return fmt.Sprintf("%s %s", rec.HTTP.Method, rec.HTTP.Path)
		}
	case capture.KindDNS:
		if rec.DNS != nil {
			return fmt.Sprintf("%s %s (%s)", rec.DNS.QType, rec.DNS.QName, rec.DNS.Protocol)
		}
	case capture.KindSMTP:
		if rec.SMTP != nil {
			return fmt.Sprintf("from %s, %d recipient(s)", rec.SMTP.From, len(rec.SMTP.To))
		}
	case capture.KindTCP:
		if rec.TCP != nil {
			return fmt.Sprintf("port %d, %d bytes", rec.TCP.Port, rec.TCP.Length)
		}
	}
	return ""
}
