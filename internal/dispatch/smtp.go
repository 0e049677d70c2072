package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/render"
)

// Ensure SMTPDispatcher implements model.Dispatcher.
var _ model.Dispatcher = (*SMTPDispatcher)(nil)

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	FromName      string
	PublicBaseURL string        // unsubscribe links; empty disables the footer
	Timeout       time.Duration // bounds one whole SMTP session; zero means defaultSMTPTimeout
}

const defaultSMTPTimeout = 30 * time.Second

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDispatcher sends email through an SMTP relay.
type SMTPDispatcher struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	logger   *slog.Logger
	now      func() time.Time
}

// NewSMTPDispatcher returns a dispatcher using net/smtp.
func NewSMTPDispatcher(cfg SMTPConfig, logger *slog.Logger) *SMTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	d := &SMTPDispatcher{cfg: cfg, logger: logger, now: time.Now}
	d.sendMail = d.send
	return d
}

// Deliver sends msg to the recipient's address with a per-recipient
// unsubscribe footer.
func (d *SMTPDispatcher) Deliver(ctx context.Context, to model.Recipient, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(to.Address); err != nil {
		return fmt.Errorf("invalid email address %q: %w", to.Address, model.ErrChannelBlocked)
	}
	msg = render.WithUnsubscribe(msg, render.UnsubscribeURL(d.cfg.PublicBaseURL, to.UnsubscribeToken))

	raw, err := buildMIME(d.cfg.From, d.cfg.FromName, to.Address, msg, d.now())
	if err != nil {
		return fmt.Errorf("build email: %w", model.ErrPermanent)
	}

	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	if err := d.sendMail(ctx, addr, auth, d.cfg.From, []string{to.Address}, raw); err != nil {
		return classifySMTP(err)
	}
	d.logger.Debug("email sent", "subscriber_id", to.SubscriberID, "subject", msg.Subject)
	return nil
}

// send runs one SMTP session the way smtp.SendMail does, but every dial,
// read and write is bounded by ctx and the configured timeout.
func (d *SMTPDispatcher) send(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	// Cancellation unblocks a read stuck on a silent relay.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	err = d.session(conn, auth, from, to, msg)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func (d *SMTPDispatcher) session(conn net.Conn, auth smtp.Auth, from string, to []string, msg []byte) error {
	c, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: d.cfg.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// classifySMTP treats 5xx replies as permanent; mailbox-level rejections
// also make the channel unusable. Everything else is retryable.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return fmt.Errorf("smtp: %w", err)
	}
	switch {
	case tpErr.Code == 550 || tpErr.Code == 551 || tpErr.Code == 553:
		return fmt.Errorf("smtp %d %s: %w", tpErr.Code, tpErr.Msg, model.ErrChannelBlocked)
	case tpErr.Code >= 500:
		return fmt.Errorf("smtp %d %s: %w", tpErr.Code, tpErr.Msg, model.ErrPermanent)
	}
	return fmt.Errorf("smtp %d %s: %w", tpErr.Code, tpErr.Msg, err)
}

// buildMIME assembles a multipart/alternative message with text and HTML
// parts, both quoted-printable.
func buildMIME(from, fromName, to string, msg model.Message, now time.Time) ([]byte, error) {
	boundary, err := randomHex(12)
	if err != nil {
		return nil, err
	}
	sender := (&mail.Address{Name: fromName, Address: from}).String()

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", sender)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	for _, part := range []struct{ ctype, body string }{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	} {
		if part.body == "" {
			continue
		}
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", part.ctype)
		b.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		w := quotedprintable.NewWriter(&b)
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String()), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
