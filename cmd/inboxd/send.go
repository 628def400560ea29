package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/inboxd/internal/inbox"
)

var sendReq inbox.SendRequest

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message and record it in the sent folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		msg, err := a.Inbox.Send(cmd.Context(), sendReq)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", msg.Identity)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendReq.To, "to", "", "recipient address list")
	sendCmd.Flags().StringVar(&sendReq.Subject, "subject", "", "subject line")
	sendCmd.Flags().StringVar(&sendReq.Text, "text", "", "plain text body")
	sendCmd.Flags().StringVar(&sendReq.HTML, "html", "", "HTML body")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("subject")
}
