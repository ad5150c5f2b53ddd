package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/celestya/backend/internal/config"
	"github.com/celestya/backend/internal/domain/model"
	"github.com/celestya/backend/internal/infra/httpclient"
)

const verificationSubject = "Verify your Celestya email"

var verificationTemplate = template.Must(template.New("verification").Parse(`<p>Your Celestya verification code is <strong>{{.Code}}</strong>.</p>
<p>It expires in {{.CodeMinutes}} minutes.</p>
<p>You can also <a href="{{.Link}}">verify with this link</a>.</p>
`))

type Sender interface {
	SendVerification(ctx context.Context, mail model.VerificationMail) error
	Close(ctx context.Context) error
}

// New picks the queued HTTP provider when an API key is configured and the log
// sender otherwise.
func New(cfg config.MailConfig, logger *zap.Logger) Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		logger.Warn("mail api key is not set, verification mails go to the log")
		return NewLogSender(logger)
	}
	sender := NewHTTPSender(httpclient.New(cfg.Timeout), cfg.Endpoint, cfg.APIKey, cfg.From)
	return NewQueue(sender, cfg.QueueSize, logger)
}

// HTTPSender posts mails to a Resend-compatible JSON API.
type HTTPSender struct {
	client   *http.Client
	endpoint string
	apiKey   string
	from     string
	now      func() time.Time
}

func NewHTTPSender(client *http.Client, endpoint, apiKey, from string) *HTTPSender {
	if client == nil {
		client = httpclient.New(0)
	}
	return &HTTPSender{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		from:     strings.TrimSpace(from),
		now:      time.Now,
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (s *HTTPSender) SendVerification(ctx context.Context, mail model.VerificationMail) error {
	body, err := renderVerification(mail, s.now())
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sendRequest{
		From:    s.from,
		To:      []string{mail.To},
		Subject: verificationSubject,
		HTML:    body,
	})
	if err != nil {
		return fmt.Errorf("encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("mail provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *HTTPSender) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

// LogSender writes verification mails to the log. Meant for local runs.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendVerification(_ context.Context, mail model.VerificationMail) error {
	s.logger.Info("verification mail not sent, no provider configured",
		zap.String("to", mail.To),
		zap.String("code", mail.Code),
		zap.String("link", mail.Link),
		zap.Time("code_expires_at", mail.CodeExpiresAt),
	)
	return nil
}

func (s *LogSender) Close(context.Context) error { return nil }

func renderVerification(mail model.VerificationMail, now time.Time) (string, error) {
	minutes := int(mail.CodeExpiresAt.Sub(now).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	var buf bytes.Buffer
	if err := verificationTemplate.Execute(&buf, struct {
		Code        string
		CodeMinutes int
		Link        string
	}{
		Code:        mail.Code,
		CodeMinutes: minutes,
		Link:        mail.Link,
	}); err != nil {
		return "", fmt.Errorf("render verification mail: %w", err)
	}
	return buf.String(), nil
}
