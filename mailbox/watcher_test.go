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

package mailbox

import (
	"context"
	"testing"
	"time"

	"code.pfad.fr/check"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

func newTestWatcher() *Watcher {
	return &Watcher{events: make(chan Event, 64)}
}

func TestPollTimeoutReturnsEmpty(t *testing.T) {
	w := newTestWatcher()

	const timeout = 50 * time.Millisecond
	start := time.Now()
	events, err := w.Poll(context.Background(), timeout)
	elapsed := time.Since(start)

	check.Equal(t, nil, err)
	check.Equal(t, 0, len(events))
	if elapsed < timeout {
		t.Errorf("Poll returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("Poll blocked %v, well past the %v timeout", elapsed, timeout)
	}
}

func TestPollReturnsQueuedEvents(t *testing.T) {
	w := newTestWatcher()
	w.enqueue(Event{Kind: EventExists, SeqNum: 7})
	w.enqueue(Event{Kind: EventExpunge, SeqNum: 3})

	events, err := w.Poll(context.Background(), time.Second)
	check.Equal(t, nil, err)
	check.Equal(t, 2, len(events))
	check.Equal(t, EventExists, events[0].Kind)
	check.Equal(t, uint32(7), events[0].SeqNum)
	check.Equal(t, EventExpunge, events[1].Kind)
}

func TestPollCancellation(t *testing.T) {
	w := newTestWatcher()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := w.Poll(ctx, time.Minute)
	if err == nil {
		t.Fatal("Poll expected context error after cancellation, got none")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Poll did not honor cancellation promptly (took %v)", elapsed)
	}
}

func TestUnilateralDataMapsToEvents(t *testing.T) {
	w := newTestWatcher()

	num := uint32(42)
	w.handleMailboxData(&imapclient.UnilateralDataMailbox{NumMessages: &num})
	// Flag-only updates carry no message count and must not produce events.
	w.handleMailboxData(&imapclient.UnilateralDataMailbox{})
	w.handleExpunge(12)

	events, err := w.Poll(context.Background(), time.Second)
	check.Equal(t, nil, err)
	check.Equal(t, 2, len(events))
	check.Equal(t, Event{Kind: EventExists, SeqNum: 42}, events[0])
	check.Equal(t, Event{Kind: EventExpunge, SeqNum: 12}, events[1])
}

func TestEnvelopeFromIMAP(t *testing.T) {
	env := envelopeFromIMAP(&imap.Envelope{
		Subject:   "ACME: dG9rZW4",
		MessageID: "<challenge@ca.example.com>",
		Sender:    []imap.Address{{Mailbox: "ca", Host: "example.com"}},
		To:        []imap.Address{{Mailbox: "admin", Host: "client.example.org"}},
	})

	check.Equal(t, "ACME: dG9rZW4", env.Subject)
	check.Equal(t, "<challenge@ca.example.com>", env.MessageID)
	check.Equal(t, "ca@example.com", env.ReplyAddress())
	check.Equal(t, "admin@client.example.org", env.Recipient())
}

func TestEnvelopeSenderFallsBackToFrom(t *testing.T) {
	env := envelopeFromIMAP(&imap.Envelope{
		From: []imap.Address{{Mailbox: "ca", Host: "example.com"}},
	})
	check.Equal(t, "ca@example.com", env.ReplyAddress())
}

func TestReplyAddressPrefersReplyTo(t *testing.T) {
	env := Envelope{
		Sender:  []Address{{Mailbox: "ca", Host: "example.com"}},
		ReplyTo: []Address{{Mailbox: "validation", Host: "example.com"}},
	}
	check.Equal(t, "validation@example.com", env.ReplyAddress())
}

func TestReplyAddressEmptyEnvelope(t *testing.T) {
	check.Equal(t, "", Envelope{}.ReplyAddress())
	check.Equal(t, "", Envelope{}.Recipient())
}

func TestCredentialsAddress(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  string
	}{
		{"explicit port", Credentials{Host: "mail.example.com", Port: 1143}, "mail.example.com:1143"},
		{"default plain port", Credentials{Host: "mail.example.com"}, "mail.example.com:143"},
		{"default tls port", Credentials{Host: "mail.example.com", TLS: true}, "mail.example.com:993"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check.Equal(t, tt.want, tt.creds.address())
		})
	}
}

func TestEventKindString(t *testing.T) {
	check.Equal(t, "EXISTS", EventExists.String())
	check.Equal(t, "EXPUNGE", EventExpunge.String())
}
