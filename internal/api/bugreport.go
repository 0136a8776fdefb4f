package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/openstreamrotator/osrweb/internal/config"
)

// Mailer sends bug reports over SMTP. It is disabled when no host or
// recipient is configured.
type Mailer struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
}

// NewMailer creates a mailer from the SMTP config.
func NewMailer(cfg config.SMTPConfig, logger *slog.Logger) *Mailer {
	return &Mailer{cfg: cfg, logger: logger.With("component", "mailer")}
}

// Enabled reports whether bug reporting is configured.
func (m *Mailer) Enabled() bool {
	return m.cfg.Host != "" && m.cfg.To != ""
}

// Send delivers a plain-text message to the configured recipient.
// smtp.SendMail negotiates STARTTLS when the server advertises it.
func (m *Mailer) Send(subject, body string) error {
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	msg := strings.Join([]string{
		"From: " + from,
		"To: " + m.cfg.To,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	if err := smtp.SendMail(addr, auth, from, []string{m.cfg.To}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

var bugSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

func (s *Server) handleBugReport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	if !s.mailer.Enabled() {
		writeError(w, http.StatusServiceUnavailable,
			"bug reporting is not configured; ask the admin to set smtp.host and smtp.to")
		return
	}

	var req struct {
		Title            string `json:"title"`
		Description      string `json:"description"`
		StepsToReproduce string `json:"steps_to_reproduce"`
		Severity         string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || req.Description == "" {
		writeError(w, http.StatusBadRequest, "title and description are required")
		return
	}
	if req.Severity == "" {
		req.Severity = "medium"
	}
	if !bugSeverities[req.Severity] {
		writeError(w, http.StatusBadRequest, "severity must be low, medium, high, or critical")
		return
	}

	subject := fmt.Sprintf("[OSR Bug Report] [%s] %s", strings.ToUpper(req.Severity), req.Title)

	var body strings.Builder
	fmt.Fprintf(&body, "Bug report from: %s (%s)\n", identity.Username, identity.DiscordID)
	fmt.Fprintf(&body, "Severity: %s\n", req.Severity)
	body.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&body, "Title: %s\n\n", req.Title)
	fmt.Fprintf(&body, "Description:\n%s\n\n", req.Description)
	if req.StepsToReproduce != "" {
		fmt.Fprintf(&body, "Steps to reproduce:\n%s\n", req.StepsToReproduce)
	}

	if err := s.mailer.Send(subject, body.String()); err != nil {
		s.logger.Warn("failed to send bug report", "user", identity.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send bug report, please try again later")
		return
	}

	s.logger.Info("bug report sent", "user", identity.Username, "title", req.Title)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "message": "bug report submitted"})
}
