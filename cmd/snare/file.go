package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var fileFlags struct {
	clientConfig
	put string
	get string
}

var fileCmd = &cobra.Command{
	Use:   "file <subdomain> <token>",
	Short: "Upload or download the session's payload file",
	Long: `Upload or download the single opaque payload blob stored alongside
the session's records. Exactly one of --put or --get must be given.`,
	RunE: runFile,
}

func init() {
	rootCmd.AddCommand(fileCmd)

	addClientFlags(fileCmd, &fileFlags.clientConfig)
	fileCmd.Flags().StringVar(&fileFlags.put, "put", "", "local file to upload")
	fileCmd.Flags().StringVar(&fileFlags.get, "get", "", "local path to download into")
}

func runFile(cmd *cobra.Command, args []string) error {
	subdomain, token, err := sessionArgs(cmd, args)
	if err != nil {
		return err
	}
	if (fileFlags.put == "") == (fileFlags.get == "") {
		return fmt.Errorf("exactly one of --put or --get is required")
	}

	c, err := fileFlags.newClient()
	if err != nil {
		return err
	}

	if fileFlags.put != "" {
		data, err := os.ReadFile(fileFlags.put)
		if err != nil {
			return fmt.Errorf("read %s: %w", fileFlags.put, err)
		}
		if err := c.UploadFile(subdomain, token, data); err != nil {
			return err
		}
		fmt.Printf("Uploaded %d bytes to %s.\n", len(data), subdomain)
		return nil
	}

	data, err := c.DownloadFile(subdomain, token)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fileFlags.get, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fileFlags.get, err)
	}
	fmt.Printf("Downloaded %d bytes to %s.\n", len(data), fileFlags.get)
	return nil
}
