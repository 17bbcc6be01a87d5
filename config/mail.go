package config

import "strings"

// MailDriver selects the notification email transport.
type MailDriver string

const (
	// MailDriverSMTP delivers through an SMTP relay.
	MailDriverSMTP MailDriver = "smtp"
	// MailDriverLog writes messages to the structured log.
	MailDriverLog MailDriver = "log"
)

// MailConfig configures order notification email.
type MailConfig struct {
	Driver   MailDriver `env:"DRIVER"   envDefault:"log"`
	Host     string     `env:"HOST"     envDefault:"localhost"`
	Port     int        `env:"PORT"     envDefault:"587"`
	Username string     `env:"USERNAME"`
	Password string     `env:"PASSWORD"`
	From     string     `env:"FROM"     envDefault:"no-reply@placement.local"`
	// DashboardURL is linked from notification emails.
	DashboardURL string `env:"DASHBOARD_URL" envDefault:"http://localhost:3000/orders"`
}

// Sanitize applies guardrails to mail configuration values.
func (m *MailConfig) Sanitize() {
	m.Driver = MailDriver(strings.ToLower(strings.TrimSpace(string(m.Driver))))
	if m.Driver != MailDriverSMTP {
		m.Driver = MailDriverLog
	}
	if m.Port <= 0 {
		m.Port = 587
	}
	m.From = strings.TrimSpace(m.From)
}
