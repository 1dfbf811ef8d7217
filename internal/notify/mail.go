package notify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"

	"github.com/swat-engineering/borg-systemd/internal/borg"
	"github.com/swat-engineering/borg-systemd/internal/config"
)

const (
	timeLayout  = "2006-01-02_15:04:05"
	defaultPort = 25
)

type sendFunc func(ctx context.Context, host string, port int, msg *mail.Msg) error

// Mailer mails the outcome of a run with its log attached.
type Mailer struct {
	settings config.MailSettings
	home     func() (string, error)
	send     sendFunc
}

func NewMailer(settings config.MailSettings) *Mailer {
	return &Mailer{
		settings: settings,
		home:     os.UserHomeDir,
		send:     dialAndSend,
	}
}

// dialAndSend delivers through the local MTA, upgrading to TLS when offered.
func dialAndSend(ctx context.Context, host string, port int, msg *mail.Msg) error {
	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("creating mail client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func (m *Mailer) Notify(ctx context.Context, summary borg.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := m.recipient()
	if err != nil {
		return err
	}
	from := m.settings.From
	if from == "" {
		from = to
	}
	msg, err := m.message(from, to, summary)
	if err != nil {
		return err
	}
	host, port, err := splitServer(m.settings.Server)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"to":     to,
		"server": m.settings.Server,
	}).Info("Emailing results")
	if err := m.send(ctx, host, port, msg); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}

func splitServer(server string) (string, int, error) {
	if server == "" {
		return "localhost", defaultPort, nil
	}
	host, portText, err := net.SplitHostPort(server)
	if err != nil {
		// plain host name without a port
		return server, defaultPort, nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, fmt.Errorf("invalid mail server port %q: %w", portText, err)
	}
	return host, port, nil
}

// recipient falls back to the first line of ~/.forward, the address postfix
// delivers local mail to.
func (m *Mailer) recipient() (string, error) {
	if m.settings.Address != "" {
		return m.settings.Address, nil
	}
	home, err := m.home()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	forward := filepath.Join(home, ".forward")
	f, err := os.Open(forward)
	if err != nil {
		return "", fmt.Errorf("no mail address configured, configure postfix and set up %s: %w", forward, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		if addr := strings.TrimSpace(scanner.Text()); addr != "" {
			return addr, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading %s: %w", forward, err)
	}
	return "", errors.New(forward + " is empty")
}

func Subject(prefix string, summary borg.Summary) string {
	if summary.Success() {
		return fmt.Sprintf("%s Backup script finished at %s", prefix, summary.Finished.Format(timeLayout))
	}
	return fmt.Sprintf("%s Backup WARNING: script failed with return_code %d", prefix, summary.ExitCode)
}

func body(summary borg.Summary) string {
	started := summary.Started.Format(timeLayout)
	if summary.Success() {
		return fmt.Sprintf("Backups started at %s finished. Logs are attached.\n", started)
	}
	return fmt.Sprintf("Backups started at %s failed.\n\n%v\n", started, summary.Err)
}

func (m *Mailer) message(from, to string, summary borg.Summary) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg.Subject(Subject(m.settings.SubjectPrefix, summary))
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, body(summary))

	if summary.LogFile != "" {
		content, err := os.ReadFile(summary.LogFile)
		if err != nil {
			return nil, fmt.Errorf("reading run log for attachment: %w", err)
		}
		if len(content) > 0 {
			err := msg.AttachReader(filepath.Base(summary.LogFile), bytes.NewReader(content),
				mail.WithFileContentType(mail.TypeTextPlain))
			if err != nil {
				return nil, fmt.Errorf("attaching run log: %w", err)
			}
		}
	}
	return msg, nil
}
