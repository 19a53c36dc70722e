package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CK6170/dmplink-go/file"
	"github.com/CK6170/dmplink-go/models"
	"github.com/CK6170/dmplink-go/ui"
)

func initCmd() *cobra.Command {
	var (
		port  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			p := models.DefaultParameters()
			p.LINK.PORT = port
			if err := file.PersistParameters(path, p); err != nil {
				return err
			}
			ui.Greenf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "serial device of the RFCOMM channel")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	return cmd
}
