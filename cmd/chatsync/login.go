package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"advancechat-sync/internal/api"
	"advancechat-sync/internal/session"
)

var loginName string

var loginCmd = &cobra.Command{
	Use:   "login <userId>",
	Short: "Get a token from a development backend and store it in the session file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		client := api.NewClient(cli.cfg.APIURL, func() string { return "" }, nil)
		token, err := client.DevToken(cmd.Context(), userID, loginName)
		if err != nil {
			return fmt.Errorf("request token: %w", err)
		}

		path, err := sessionPath(cli.cfg)
		if err != nil {
			return err
		}
		f, err := session.OpenFile(path, nil)
		if err != nil {
			return err
		}
		if err := f.Save(token, userID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", userID, path)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginName, "name", "", "display name to register")
	rootCmd.AddCommand(loginCmd)
}
