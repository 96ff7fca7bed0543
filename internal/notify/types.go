package notify

import "time"

// Config controls mail delivery.
//
// Mode values:
//   - "starttls" (default): plain connection upgraded with STARTTLS
//   - "tls": implicit TLS, usually port 465
//   - "plain": no TLS, local relays only
type Config struct {
	Enabled       bool
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	Mode          string
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 587
	}
	if c.Mode == "" {
		c.Mode = "starttls"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Message is one rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Error   string    `json:"error,omitempty"`
}

// NotificationEvent is published on the event bus after each delivery
// attempt sequence.
type NotificationEvent struct {
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
