package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/inboxd/internal/credential"
	"github.com/nhle/inboxd/internal/mailbox/gmail"
	"github.com/nhle/inboxd/internal/mailbox/imap"
	"github.com/nhle/inboxd/internal/model"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store remote mailbox credentials in the system keyring",
}

var loginIMAPCmd = &cobra.Command{
	Use:   "imap",
	Short: "Store the IMAP/SMTP application password",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.IMAP.Username == "" {
			return errors.New("mailbox.address or imap.username must be configured")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Application password for %s: ", cfg.IMAP.Username)
		var password string
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &password); err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimSpace(password)

		session := imap.NewSession(imap.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: password,
			Security: cfg.IMAP.Security,
			Mailbox:  cfg.IMAP.Mailbox,
		}, nil, cfg.Mailbox.Address, log)
		if err := session.Open(cmd.Context()); err != nil {
			return fmt.Errorf("verifying password: %w", err)
		}
		_ = session.Close()

		creds, err := credential.Open()
		if err != nil {
			return err
		}
		if err := creds.Set(credential.IMAPPasswordKey(cfg.IMAP.Username), password); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Password stored.")
		return nil
	},
}

var loginGmailCmd = &cobra.Command{
	Use:   "gmail",
	Short: "Authorize Gmail API access through OAuth",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Mailbox.Address == "" {
			return errors.New("mailbox.address must be configured")
		}
		if cfg.Gmail.CredentialsFile == "" {
			return errors.New("gmail.credentials_file must point to an OAuth client JSON file")
		}

		oauthCfg, err := gmail.OAuthConfig(cfg.Gmail.CredentialsFile)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Open this URL in a browser and grant access:\n%s\n\nAuthorization code: ", gmail.AuthCodeURL(oauthCfg))
		var code string
		if _, err := fmt.Fscan(cmd.InOrStdin(), &code); err != nil {
			return fmt.Errorf("reading authorization code: %w", err)
		}

		tokenJSON, err := gmail.Exchange(cmd.Context(), oauthCfg, code)
		if err != nil {
			return err
		}

		creds, err := credential.Open()
		if err != nil {
			return err
		}
		if err := creds.Set(credential.GmailTokenKey(cfg.Mailbox.Address), tokenJSON); err != nil {
			return err
		}
		fmt.Fprintf(out, "Token stored. Set mailbox.backend to %q to use it.\n", model.BackendGmail)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the account's stored credentials from the keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		creds, err := credential.Open()
		if err != nil {
			return err
		}

		removed := 0
		for _, key := range []string{
			credential.IMAPPasswordKey(cfg.IMAP.Username),
			credential.GmailTokenKey(cfg.Mailbox.Address),
		} {
			err := creds.Delete(key)
			switch {
			case err == nil:
				removed++
			case errors.Is(err, credential.ErrNotFound):
			default:
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stored credential(s).\n", removed)
		return nil
	},
}

func init() {
	logoutCmd.Flags().String("mailbox.address", "", "account email address")
	loginCmd.PersistentFlags().String("mailbox.address", "", "account email address")
	loginGmailCmd.Flags().String("gmail.credentials_file", "", "OAuth client JSON file")
	loginCmd.AddCommand(loginIMAPCmd, loginGmailCmd)
}
