package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"media-fetch-service/internal/client"
)

var infoCmd = &cobra.Command{
	Use:   "info URL",
	Short: "Show title, thumbnail and duration of a media URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	s := client.NewSession(newAPI(), nil)
	info, err := s.RequestInfo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderInfo(info))
	return nil
}
