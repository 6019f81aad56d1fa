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

// Package acmemail fulfills the responder side of the ACME email-reply-00
// challenge (RFC 8823): it watches an IMAP mailbox for the challenge email
// sent by the certificate authority, reconstructs the split validation
// token, computes the account-key-bound response, and replies to the CA
// over an authenticated SMTP submission session.
//
// It DOES NOT manage ACME accounts, orders, or certificates: the
// certificate-issuance workflow is the caller. It prepares the mail
// sessions, asks this package to perform the challenges it was handed, and
// forwards the computed responses to the CA.
package acmemail

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acmemail/acmemail/acme"
	"github.com/acmemail/acmemail/mailbox"
	"github.com/acmemail/acmemail/submit"
)

// ErrChallengeTimeout indicates the polling budget was exhausted without a
// matching challenge email arriving; issuance cannot proceed through this
// channel.
var ErrChallengeTimeout = errors.New("challenge email did not arrive in time")

// MailboxWatcher is the capability the orchestrator needs from the mailbox
// side: watch one folder, surface new-message events under a bounded wait,
// fetch envelopes, and flag the processed message. Satisfied by
// *mailbox.Watcher or a test double.
type MailboxWatcher interface {
	Select(folder string) error
	BeginWatch() error
	EndWatch() error
	Poll(ctx context.Context, timeout time.Duration) ([]mailbox.Event, error)
	FetchEnvelope(seqNum uint32) (mailbox.Envelope, error)
	MarkHandled(seqNum uint32) error
	Close() error
}

// MailSubmitter is the capability the orchestrator needs from the
// submission side: send one formatted reply, then quit. Satisfied by
// *submit.Submitter or a test double.
type MailSubmitter interface {
	Send(from, to, subject, inReplyTo, body string) error
	Close() error
}

// Notifier receives human-readable progress messages. Notifications are
// advisory: a failing Notifier never fails the challenge flow.
type Notifier interface {
	Notify(message string) error
}

// ChallengeRequest is what the certificate-issuance workflow supplies for
// one email-reply-00 challenge. Read-only for the duration of the
// fulfillment.
type ChallengeRequest struct {
	// Domain (or email identifier) the challenge authorizes.
	Domain string

	// AccountKey signs for the ACME account; only its public half is
	// needed to derive the response.
	AccountKey crypto.Signer

	// Token is the client-held token fragment (token-part2) as raw
	// bytes, decoded from the challenge object the CA returned.
	Token []byte

	// URL and Status of the challenge object, carried into the rebuilt
	// challenge body.
	URL    string
	Status string
}

// ChallengeResponse is the outcome of one fulfilled challenge: the
// challenge body rebuilt with the full token, and the derived proof
// values. Recomputing from the same Challenge and account key yields the
// same values.
type ChallengeResponse struct {
	Challenge        acme.Challenge
	KeyAuthorization string
	Validation       string
}

// Result pairs the outcome of one challenge request with its error, so a
// batch can report per-request failures independently.
type Result struct {
	Response *ChallengeResponse
	Err      error
}

// Budget bounds the wait for the challenge email: up to Attempts polls of
// PollTimeout each.
type Budget struct {
	Attempts    int      `toml:"attempts"`
	PollTimeout Duration `toml:"poll_timeout"`
}

const (
	defaultAttempts    = 30
	defaultPollTimeout = 10 * time.Second
)

func (b Budget) withDefaults() Budget {
	if b.Attempts <= 0 {
		b.Attempts = defaultAttempts
	}
	if b.PollTimeout <= 0 {
		b.PollTimeout = Duration(defaultPollTimeout)
	}
	return b
}

// Authenticator fulfills email-reply-00 challenges over one mailbox
// session and one submission session. Both sessions are exclusively owned
// by the Authenticator and used sequentially; it is not safe for
// concurrent use.
type Authenticator struct {
	// Config is used by Prepare to establish the two mail sessions.
	Config Config

	// Watcher and Submitter may be set directly to bypass Prepare's
	// dialing, e.g. with test doubles; Prepare fills them from Config
	// when nil.
	Watcher   MailboxWatcher
	Submitter MailSubmitter

	// An optional progress notifier. Default: no notifications
	Notifier Notifier

	// Budget bounds the wait per challenge. Zero values mean the
	// defaults (30 polls of 10s).
	Budget Budget

	// An optional logger. Default: no logs
	Logger *zap.Logger
}

// Prepare establishes the mailbox session (connect, authenticate, select
// the folder, as configured) and the submission session (connect with the
// configured transport, authenticate). If either side fails, nothing is
// left open.
func (a *Authenticator) Prepare() error {
	if a.Watcher == nil {
		watcher, err := mailbox.Connect(a.Config.mailboxCredentials(), a.Logger)
		if err != nil {
			return fmt.Errorf("preparing mailbox session: %w", err)
		}
		if err := watcher.Select(a.Config.Mailbox.Folder); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("preparing mailbox session: %w", err)
		}
		a.Watcher = watcher
	}

	if a.Submitter == nil {
		submitter, err := submit.Connect(a.Config.submitCredentials(), a.Logger)
		if err != nil {
			_ = a.Watcher.Close()
			a.Watcher = nil
			return fmt.Errorf("preparing submission session: %w", err)
		}
		a.Submitter = submitter
	}

	return nil
}

// ChallengePreference reports the challenge types this authenticator can
// fulfill, in order of preference. It is the same single type for every
// domain.
func (a *Authenticator) ChallengePreference(domain string) []string {
	return []string{acme.ChallengeTypeMailReply00}
}

// Perform fulfills each challenge request in order. Requests are
// independent: a failed fulfillment is reported in its own Result and does
// not stop the remaining requests.
func (a *Authenticator) Perform(ctx context.Context, requests []ChallengeRequest) []Result {
	results := make([]Result, 0, len(requests))
	for _, req := range requests {
		response, err := a.fulfill(ctx, req)
		if err != nil && a.Logger != nil {
			a.Logger.Error("challenge fulfillment failed",
				zap.String("identifier", req.Domain),
				zap.Error(err))
		}
		results = append(results, Result{Response: response, Err: err})
	}
	return results
}

// Cleanup releases both mail sessions. Both teardowns are always
// attempted; failures are logged and the first one is returned, but by
// this point the primary outcome of the batch is already determined.
func (a *Authenticator) Cleanup() error {
	var firstErr error

	if a.Watcher != nil {
		if err := a.Watcher.Close(); err != nil {
			if a.Logger != nil {
				a.Logger.Warn("closing mailbox session", zap.Error(err))
			}
			firstErr = err
		}
		a.Watcher = nil
	}

	if a.Submitter != nil {
		if err := a.Submitter.Close(); err != nil {
			if a.Logger != nil {
				a.Logger.Warn("closing submission session", zap.Error(err))
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		a.Submitter = nil
	}

	return firstErr
}

// notify forwards a progress message to the configured notifier, if any.
// Notifier errors are logged, never propagated.
func (a *Authenticator) notify(message string) {
	if a.Notifier == nil {
		return
	}
	if err := a.Notifier.Notify(message); err != nil && a.Logger != nil {
		a.Logger.Debug("notifier failed", zap.Error(err))
	}
}
