package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"advancechat-sync/internal/chatclient"
)

var sendCmd = &cobra.Command{
	Use:   "send <conversationId> <text>",
	Short: "Send one message and print the record the server confirmed",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := openSession(cli.cfg)
		if err != nil {
			return err
		}
		opts := chatclient.OptionsFromConfig(cli.cfg)
		c, err := chatclient.Start(cmd.Context(), chatclient.Deps{Session: provider, Logger: cli.logger}, opts)
		if err != nil {
			return err
		}
		defer c.Close()

		msg, err := c.Commands().SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(msg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
