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

// Package submit sends the challenge reply through an authenticated SMTP
// submission session. It supports plain, STARTTLS, and implicit-TLS
// transports and sends exactly one message per session.
package submit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

var (
	// ErrConnect indicates the submission server could not be reached.
	ErrConnect = errors.New("submission connect failed")
	// ErrAuth indicates the submission server rejected the credentials.
	ErrAuth = errors.New("submission authentication failed")
	// ErrSend indicates the message was not accepted, including sender or
	// recipient rejection.
	ErrSend = errors.New("submission failed")
)

// Method selects the submission transport. The values are case-sensitive
// and exhaustive.
type Method string

const (
	// MethodSTARTTLS opens a plain connection and upgrades it to TLS
	// after the initial greeting.
	MethodSTARTTLS Method = "STARTTLS"
	// MethodSSL speaks TLS from the first byte (implicit TLS).
	MethodSSL Method = "SSL"
	// MethodPlain stays on a cleartext socket.
	MethodPlain Method = "plain"
)

// DefaultPort returns the standard submission port for the method:
// 587 for STARTTLS, 465 for implicit TLS, 25 for cleartext.
func (m Method) DefaultPort() int {
	switch m {
	case MethodSTARTTLS:
		return 587
	case MethodSSL:
		return 465
	default:
		return 25
	}
}

func (m Method) valid() bool {
	switch m {
	case MethodSTARTTLS, MethodSSL, MethodPlain:
		return true
	}
	return false
}

// Credentials configures the submission session. Immutable once the
// session is established.
type Credentials struct {
	Method   Method
	Host     string
	Port     int
	Login    string
	Password string
}

func (c Credentials) address() string {
	port := c.Port
	if port == 0 {
		port = c.Method.DefaultPort()
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Submitter is an authenticated SMTP submission session. It is used by a
// single challenge fulfillment; it is not safe for concurrent use.
type Submitter struct {
	client *smtp.Client

	// An optional logger. Default: no logs
	Logger *zap.Logger
}

// Connect dials the submission server with the transport selected by the
// credentials' method and authenticates with AUTH PLAIN.
func Connect(creds Credentials, logger *zap.Logger) (*Submitter, error) {
	if !creds.Method.valid() {
		return nil, fmt.Errorf("%w: unknown submission method %q", ErrConnect, creds.Method)
	}

	addr := creds.address()
	tlsConfig := &tls.Config{ServerName: creds.Host}

	var (
		client *smtp.Client
		err    error
	)
	switch creds.Method {
	case MethodSTARTTLS:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	case MethodSSL:
		client, err = smtp.DialTLS(addr, tlsConfig)
	case MethodPlain:
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s (%s): %v", ErrConnect, addr, creds.Method, err)
	}

	if err := client.Auth(sasl.NewPlainClient("", creds.Login, creds.Password)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: login %q on %s: %v", ErrAuth, creds.Login, addr, err)
	}

	if logger != nil {
		logger.Debug("submission session established",
			zap.String("address", addr),
			zap.String("method", string(creds.Method)))
	}

	return &Submitter{client: client, Logger: logger}, nil
}

// Send formats a minimal RFC 5322 message and submits it in one
// MAIL/RCPT/DATA exchange. The optional inReplyTo value threads the reply
// under the message that prompted it.
func (s *Submitter) Send(from, to, subject, inReplyTo, body string) error {
	msg := formatMessage(from, to, subject, inReplyTo, body)

	if err := s.client.Mail(from, nil); err != nil {
		return fmt.Errorf("%w: sender %q rejected: %v", ErrSend, from, err)
	}
	if err := s.client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("%w: recipient %q rejected: %v", ErrSend, to, err)
	}
	wc, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("%w: starting message data: %v", ErrSend, err)
	}
	if _, err := wc.Write([]byte(msg)); err != nil {
		_ = wc.Close()
		return fmt.Errorf("%w: writing message: %v", ErrSend, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("%w: message not accepted: %v", ErrSend, err)
	}

	if s.Logger != nil {
		s.Logger.Info("challenge reply submitted",
			zap.String("from", from),
			zap.String("to", to),
			zap.String("subject", subject))
	}
	return nil
}

// formatMessage builds the reply on the wire: From, To, Subject, an
// In-Reply-To header when threading information is available, a blank
// line, then the body.
func formatMessage(from, to, subject, inReplyTo, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

// Close ends the submission session with QUIT. It is safe to call even if
// Send was never invoked; if QUIT fails the connection is torn down
// directly.
func (s *Submitter) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	if err := client.Quit(); err != nil {
		_ = client.Close()
		return fmt.Errorf("quitting submission session: %w", err)
	}
	return nil
}
