package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/nhle/inboxd/internal/credential"
	"github.com/nhle/inboxd/internal/inbox"
	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/mailbox/gmail"
	"github.com/nhle/inboxd/internal/mailbox/imap"
	"github.com/nhle/inboxd/internal/model"
)

// newOpener builds the mailbox opener and credential verifier for the
// configured backend.
func newOpener(ctx context.Context, cfg *model.AppConfig, creds *credential.Store, log zerolog.Logger) (mailbox.Opener, inbox.Verifier, error) {
	switch cfg.Mailbox.Backend {
	case model.BackendIMAP:
		return imapOpener(cfg, creds, log)
	case model.BackendGmail:
		return gmailOpener(ctx, cfg, creds, log)
	default:
		return nil, nil, fmt.Errorf("unknown mailbox backend %q", cfg.Mailbox.Backend)
	}
}

// imapOpener loads the application password from the keyring when the
// configuration does not carry one.
func imapOpener(cfg *model.AppConfig, creds *credential.Store, log zerolog.Logger) (mailbox.Opener, inbox.Verifier, error) {
	password, err := resolveSecret(creds, cfg.IMAP.Password, credential.IMAPPasswordKey(cfg.IMAP.Username))
	if err != nil {
		return nil, nil, err
	}
	if password == "" {
		log.Warn().Str("account", cfg.IMAP.Username).Msg("no IMAP password configured; run `inboxd login imap`")
	}

	log.Debug().Str("imap", cfg.IMAP.Addr()).Str("smtp", cfg.SMTP.Addr()).Str("account", cfg.IMAP.Username).
		Msg("using IMAP backend")

	smtpPassword := cfg.SMTP.Password
	if smtpPassword == "" {
		smtpPassword = password
	}

	sender := imap.NewSender(imap.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: smtpPassword,
		Security: cfg.SMTP.Security,
	})
	opener := &imap.Opener{
		Config: imap.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: password,
			Security: cfg.IMAP.Security,
			Mailbox:  cfg.IMAP.Mailbox,
		},
		Sender: sender,
		From:   cfg.Mailbox.Address,
		Log:    log,
	}
	return opener, sender, nil
}

// gmailOpener builds a token source from the configured access token or
// the OAuth token stored by `inboxd login gmail`. Without either, every
// open reports an authentication error so the server still starts.
func gmailOpener(ctx context.Context, cfg *model.AppConfig, creds *credential.Store, log zerolog.Logger) (mailbox.Opener, inbox.Verifier, error) {
	tokenJSON, err := resolveSecret(creds, "", credential.GmailTokenKey(cfg.Mailbox.Address))
	if err != nil {
		return nil, nil, err
	}

	oauthCfg, err := oauthConfig(cfg.Gmail)
	if err != nil {
		return nil, nil, err
	}

	ts, err := gmail.TokenSource(ctx, cfg.Gmail.AccessToken, oauthCfg, tokenJSON)
	if err != nil {
		log.Warn().Err(err).Msg("gmail credentials unavailable")
		authErr := &mailbox.AuthError{Backend: mailbox.BackendGmail, Message: err.Error(), Err: err}
		opener := mailbox.OpenerFunc(func(context.Context) (mailbox.Mailbox, error) {
			return nil, authErr
		})
		verifier := inbox.VerifierFunc(func(context.Context) error { return authErr })
		return opener, verifier, nil
	}

	var opts []option.ClientOption
	if cfg.Gmail.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Gmail.Endpoint))
	}

	opener := &gmail.Opener{
		Config: gmail.Config{
			From:                cfg.Mailbox.Address,
			QuotaUnitsPerSecond: cfg.Gmail.QuotaUnitsPerSecond,
		},
		Log:         log,
		TokenSource: ts,
		Options:     opts,
	}
	verifier := inbox.VerifierFunc(func(ctx context.Context) error {
		mb, err := opener.Open(ctx)
		if err != nil {
			return err
		}
		defer mb.Close()
		if v, ok := mb.(inbox.Verifier); ok {
			return v.Verify(ctx)
		}
		return nil
	})
	return opener, verifier, nil
}

// oauthConfig loads the OAuth client when a credentials file is configured.
func oauthConfig(cfg model.GmailConfig) (*oauth2.Config, error) {
	if cfg.CredentialsFile == "" {
		return nil, nil
	}
	return gmail.OAuthConfig(cfg.CredentialsFile)
}

func resolveSecret(creds *credential.Store, value, key string) (string, error) {
	if value != "" || creds == nil {
		return value, nil
	}
	secret, err := creds.Resolve(value, key)
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	return secret, nil
}
