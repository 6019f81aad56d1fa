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
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acmemail/acmemail/acme"
	"github.com/acmemail/acmemail/mailbox"
)

// Progress messages, kept close to the wording the interactive client
// shows its operator.
const (
	notifyChallengeSent = "A challenge request for an S/MIME certificate has been sent. " +
		"In a few minutes, the ACME server will send a challenge e-mail to the requested recipient. " +
		"You do not need to take ANY action, as it will be replied automatically."
	notifyResponseSent = "The ACME response has been sent successfully!"
)

// fulfill drives one challenge end to end: arm the watch, wait for the
// challenge email within the budget, reconstruct the token, compute the
// response, reply, and flag the source message. Exactly one message is
// accepted per request; the first success returns early.
func (a *Authenticator) fulfill(ctx context.Context, req ChallengeRequest) (*ChallengeResponse, error) {
	budget := a.Budget.withDefaults()

	// Arm the watch before announcing anything so that an email arriving
	// between the announcement and the first poll is not missed.
	if err := a.Watcher.BeginWatch(); err != nil {
		return nil, fmt.Errorf("arming mailbox watch: %w", err)
	}
	a.notify(notifyChallengeSent)

	for attempt := 0; attempt < budget.Attempts; attempt++ {
		events, err := a.Watcher.Poll(ctx, time.Duration(budget.PollTimeout))
		if err != nil {
			return nil, fmt.Errorf("polling mailbox: %w", err)
		}

		for _, event := range events {
			if event.Kind != mailbox.EventExists {
				continue
			}
			response, handled, err := a.handleMessage(req, event.SeqNum)
			if err != nil {
				return nil, err
			}
			if handled {
				return response, nil
			}
		}
	}

	return nil, fmt.Errorf("%w (waited %d x %v)", ErrChallengeTimeout,
		budget.Attempts, time.Duration(budget.PollTimeout))
}

// handleMessage inspects one newly arrived message. A message that is not
// the challenge email (unfetchable envelope, missing subject marker,
// undecodable fragment, unusable addresses) is skipped and the watch
// re-armed; only response computation and submission failures are fatal.
func (a *Authenticator) handleMessage(req ChallengeRequest, seqNum uint32) (*ChallengeResponse, bool, error) {
	// Leave IDLE: fetch and store are not valid while the watch is armed.
	if err := a.Watcher.EndWatch(); err != nil {
		return nil, false, fmt.Errorf("suspending mailbox watch: %w", err)
	}

	skip := func(reason string, fields ...zap.Field) (*ChallengeResponse, bool, error) {
		if a.Logger != nil {
			a.Logger.Debug(reason, append(fields, zap.Uint32("seq_num", seqNum))...)
		}
		if err := a.Watcher.BeginWatch(); err != nil {
			return nil, false, fmt.Errorf("re-arming mailbox watch: %w", err)
		}
		return nil, false, nil
	}

	envelope, err := a.Watcher.FetchEnvelope(seqNum)
	if err != nil {
		return skip("skipping message with unfetchable envelope", zap.Error(err))
	}

	if !strings.HasPrefix(envelope.Subject, acme.SubjectPrefix) {
		return skip("ignoring unrelated message", zap.String("subject", envelope.Subject))
	}

	serverFragment, err := acme.DecodeSubjectToken(envelope.Subject)
	if err != nil {
		return skip("skipping message with undecodable token fragment", zap.Error(err))
	}

	to := envelope.ReplyAddress()
	from := envelope.Recipient()
	if to == "" || from == "" {
		return skip("skipping message with unusable addresses",
			zap.String("reply_address", to), zap.String("recipient", from))
	}

	// The challenge email is in hand; from here on failures are fatal to
	// this request.
	response, err := req.respond(serverFragment)
	if err != nil {
		return nil, false, err
	}

	if a.Logger != nil {
		a.Logger.Info("answering challenge email",
			zap.String("identifier", req.Domain),
			zap.String("from", from),
			zap.String("to", to),
			zap.String("subject", envelope.Subject))
	}

	err = a.Submitter.Send(from, to, replySubject(envelope.Subject), envelope.MessageID, replyBody(response.Validation))
	if err != nil {
		// The source message is deliberately left unflagged: the
		// challenge was not answered.
		return nil, false, fmt.Errorf("sending challenge reply: %w", err)
	}

	// The reply is out; a failure to flag the source message is
	// housekeeping, not an outcome change.
	if err := a.Watcher.MarkHandled(seqNum); err != nil && a.Logger != nil {
		a.Logger.Warn("flagging handled challenge email", zap.Error(err))
	}

	a.notify(notifyResponseSent)
	return response, true, nil
}

// respond rebuilds the challenge body with the full token and derives the
// proof values from it, the same derivation the token-part2-only challenge
// object would have used.
func (req ChallengeRequest) respond(serverFragment []byte) (*ChallengeResponse, error) {
	fullToken := acme.ReconstructToken(serverFragment, req.Token)
	challenge := acme.Challenge{
		Type:   acme.ChallengeTypeMailReply00,
		Token:  acme.EncodeToken(fullToken),
		URL:    req.URL,
		Status: req.Status,
	}

	keyAuth, err := challenge.KeyAuthorization(req.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("computing key authorization: %w", err)
	}
	validation, err := challenge.MailReply00Validation(req.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("computing validation payload: %w", err)
	}

	return &ChallengeResponse{
		Challenge:        challenge,
		KeyAuthorization: keyAuth,
		Validation:       validation,
	}, nil
}
