package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/kebairia/posebackup/internal/config"
	"github.com/kebairia/posebackup/internal/logger"
)

// ErrNotConfigured is returned by NewEmail when SMTP host or recipient is missing.
var ErrNotConfigured = errors.New("email notification not configured")

// Email sends the summary over SMTP, attaching the artifact when it is
// small enough.
type Email struct {
	client        *mail.Client
	from          string
	to            []string
	maxAttachment int64
	log           logger.Logger
}

// NewEmail builds an SMTP notifier from cfg.
func NewEmail(cfg config.NotifyConfig, log logger.Logger) (*Email, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if log == nil {
		log = logger.Global()
	}

	opts := []mail.Option{mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if cfg.SMTPPort > 0 {
		opts = append(opts, mail.WithPort(cfg.SMTPPort))
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPassword),
		)
	}
	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	from := cfg.From
	if from == "" {
		from = cfg.SMTPUser
	}
	var to []string
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return &Email{
		client:        client,
		from:          from,
		to:            to,
		maxAttachment: cfg.MaxAttachmentBytes,
		log:           log,
	}, nil
}

// Notify sends one message for the run.
func (e *Email) Notify(ctx context.Context, artifactPath string, s Summary) error {
	msg, err := e.message(artifactPath, s)
	if err != nil {
		return err
	}
	if err := e.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send backup email: %w", err)
	}
	e.log.Info("backup email sent", "to", strings.Join(e.to, ","), "run_id", s.RunID)
	return nil
}

func (e *Email) message(artifactPath string, s Summary) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(e.to...); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	msg.Subject(s.Subject())

	attach := e.shouldAttach(artifactPath)
	body, err := s.HTML(artifactPath, attach)
	if err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}
	msg.SetBodyString(mail.TypeTextHTML, body)
	if attach {
		msg.AttachFile(artifactPath, mail.WithFileName(filepath.Base(artifactPath)))
	}
	return msg, nil
}

func (e *Email) shouldAttach(artifactPath string) bool {
	info, err := os.Stat(artifactPath)
	if err != nil {
		e.log.Warn("artifact not attachable", "path", artifactPath, "error", err.Error())
		return false
	}
	if e.maxAttachment > 0 && info.Size() > e.maxAttachment {
		return false
	}
	return true
}
