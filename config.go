// Copyright 2024 The acmemail Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package acmemail

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/acmemail/acmemail/mailbox"
	"github.com/acmemail/acmemail/submit"
)

// Config enumerates every recognized option for the two mail sessions.
// Submission-side fields that are left empty fall back to the
// mailbox-side value; the submission port falls back to the method's
// standard port (587 for STARTTLS, 465 for SSL, 25 for plain).
type Config struct {
	Mailbox MailboxConfig `toml:"mailbox"`
	SMTP    SMTPConfig    `toml:"smtp"`
	Budget  Budget        `toml:"budget"`
}

// MailboxConfig is the IMAP side of the configuration.
type MailboxConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	TLS      bool   `toml:"tls"`
	Login    string `toml:"login"`
	Password string `toml:"password"`
	Folder   string `toml:"folder"`
}

// SMTPConfig is the submission side of the configuration. Method is one
// of "STARTTLS", "SSL", or "plain" (case-sensitive); empty means "plain".
type SMTPConfig struct {
	Method   string `toml:"method"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Login    string `toml:"login"`
	Password string `toml:"password"`
}

// Duration decodes TOML strings like "10s" into a time.Duration.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) mailboxCredentials() mailbox.Credentials {
	return mailbox.Credentials{
		Host:     c.Mailbox.Host,
		Port:     c.Mailbox.Port,
		TLS:      c.Mailbox.TLS,
		Login:    c.Mailbox.Login,
		Password: c.Mailbox.Password,
	}
}

func (c Config) submitCredentials() submit.Credentials {
	creds := submit.Credentials{
		Method:   submit.Method(c.SMTP.Method),
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Login:    c.SMTP.Login,
		Password: c.SMTP.Password,
	}
	if creds.Method == "" {
		creds.Method = submit.MethodPlain
	}
	if creds.Host == "" {
		creds.Host = c.Mailbox.Host
	}
	if creds.Login == "" {
		creds.Login = c.Mailbox.Login
	}
	if creds.Password == "" {
		creds.Password = c.Mailbox.Password
	}
	return creds
}
