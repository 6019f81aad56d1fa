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

// Package mailbox watches an IMAP mailbox for the arrival of a challenge
// email. It keeps one authenticated session, enters IDLE, and surfaces new
// messages as events through a bounded, cancellable Poll.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

// DefaultFolder is selected when no folder is named.
const DefaultFolder = "INBOX"

var (
	// ErrConnect indicates the mailbox server could not be reached.
	ErrConnect = errors.New("mailbox connect failed")
	// ErrAuth indicates the mailbox server rejected the credentials.
	ErrAuth = errors.New("mailbox authentication failed")
	// ErrFetch indicates an envelope could not be retrieved, typically
	// because the message no longer exists.
	ErrFetch = errors.New("envelope fetch failed")
)

// Credentials configures the mailbox session. Immutable once the session
// is established.
type Credentials struct {
	Host     string
	Port     int
	TLS      bool
	Login    string
	Password string
}

func (c Credentials) address() string {
	port := c.Port
	if port == 0 {
		if c.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// EventKind classifies a mailbox event.
type EventKind int

const (
	// EventExists reports that a new message appeared in the selected
	// folder; SeqNum is the message's sequence number.
	EventExists EventKind = iota
	// EventExpunge reports that a message was permanently removed.
	EventExpunge
)

func (k EventKind) String() string {
	switch k {
	case EventExists:
		return "EXISTS"
	case EventExpunge:
		return "EXPUNGE"
	default:
		return "UNKNOWN"
	}
}

// Event is a single mailbox notification produced during a poll cycle.
// Events are transient: they are only meaningful within the polling loop
// that observed them.
type Event struct {
	Kind   EventKind
	SeqNum uint32
}

// Address is a mailbox@host pair from a message envelope.
type Address struct {
	Mailbox string
	Host    string
}

// Addr returns the address in mailbox@host form.
func (a Address) Addr() string {
	if a.Mailbox == "" && a.Host == "" {
		return ""
	}
	return a.Mailbox + "@" + a.Host
}

// Envelope is the metadata of one message, fetched on demand for an event.
type Envelope struct {
	Subject   string
	MessageID string
	Sender    []Address
	ReplyTo   []Address
	To        []Address
}

// ReplyAddress is where a reply to this message should be sent: the
// Reply-To address when present, the sender address otherwise. The empty
// string means the envelope named no usable address.
func (e Envelope) ReplyAddress() string {
	if len(e.ReplyTo) > 0 {
		return e.ReplyTo[0].Addr()
	}
	if len(e.Sender) > 0 {
		return e.Sender[0].Addr()
	}
	return ""
}

// Recipient is the address the message was delivered to, which becomes the
// From address of the reply.
func (e Envelope) Recipient() string {
	if len(e.To) > 0 {
		return e.To[0].Addr()
	}
	return ""
}

// Watcher is an IMAP-backed mailbox watcher. It owns a single connection
// and is not safe for concurrent use; one challenge fulfillment drives it
// sequentially.
type Watcher struct {
	client *imapclient.Client
	idle   *imapclient.IdleCommand
	events chan Event

	// An optional logger. Default: no logs
	Logger *zap.Logger
}

// Connect dials the mailbox server (TLS or plain per the credentials) and
// authenticates. The returned Watcher is connected but has no folder
// selected yet.
func Connect(creds Credentials, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		// Buffered so the connection's reader goroutine never blocks on
		// a slow poller; IDLE servers rarely burst more than a handful
		// of untagged responses at once.
		events: make(chan Event, 64),
		Logger: logger,
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: w.handleMailboxData,
			Expunge: w.handleExpunge,
		},
	}

	addr := creds.address()
	var (
		client *imapclient.Client
		err    error
	)
	if creds.TLS {
		client, err = imapclient.DialTLS(addr, options)
	} else {
		client, err = imapclient.DialInsecure(addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnect, addr, err)
	}

	if err := client.Login(creds.Login, creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("%w: login %q on %s: %v", ErrAuth, creds.Login, addr, err)
	}

	if logger != nil {
		logger.Debug("mailbox session established",
			zap.String("address", addr),
			zap.String("login", creds.Login))
	}

	w.client = client
	return w, nil
}

func (w *Watcher) handleMailboxData(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}
	w.enqueue(Event{Kind: EventExists, SeqNum: *data.NumMessages})
}

func (w *Watcher) handleExpunge(seqNum uint32) {
	w.enqueue(Event{Kind: EventExpunge, SeqNum: seqNum})
}

func (w *Watcher) enqueue(ev Event) {
	select {
	case w.events <- ev:
	default:
		if w.Logger != nil {
			w.Logger.Warn("dropping mailbox event, poll queue full",
				zap.String("kind", ev.Kind.String()),
				zap.Uint32("seq_num", ev.SeqNum))
		}
	}
}

// Select opens the given folder. An empty folder name selects DefaultFolder.
func (w *Watcher) Select(folder string) error {
	if folder == "" {
		folder = DefaultFolder
	}
	if _, err := w.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting folder %q: %w", folder, err)
	}
	return nil
}

// BeginWatch enters IDLE on the selected folder. New-message notifications
// accumulate until Poll asks for them, so arming the watch before any
// external readiness signal avoids missing a fast-arriving message.
func (w *Watcher) BeginWatch() error {
	if w.idle != nil {
		return nil
	}
	idle, err := w.client.Idle()
	if err != nil {
		return fmt.Errorf("entering idle: %w", err)
	}
	w.idle = idle
	return nil
}

// EndWatch leaves IDLE so that regular commands (fetch, store) may be
// issued again. Idempotent.
func (w *Watcher) EndWatch() error {
	if w.idle == nil {
		return nil
	}
	idle := w.idle
	w.idle = nil
	if err := idle.Close(); err != nil {
		return fmt.Errorf("leaving idle: %w", err)
	}
	return idle.Wait()
}

// Poll blocks until at least one event is available, the timeout elapses,
// or ctx is canceled. On timeout it returns an empty slice and no error;
// it never blocks meaningfully longer than the timeout. All events already
// queued are drained and returned together.
func (w *Watcher) Poll(ctx context.Context, timeout time.Duration) ([]Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var events []Event
	select {
	case ev := <-w.events:
		events = append(events, ev)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Grab whatever else arrived in the same burst.
	for {
		select {
		case ev := <-w.events:
			events = append(events, ev)
		default:
			return events, nil
		}
	}
}

// FetchEnvelope retrieves the envelope metadata of the message with the
// given sequence number. The watch must not be armed.
func (w *Watcher) FetchEnvelope(seqNum uint32) (Envelope, error) {
	fetchCmd := w.client.Fetch(imap.SeqSetNum(seqNum), &imap.FetchOptions{
		Envelope: true,
	})
	bufs, err := fetchCmd.Collect()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: message %d: %v", ErrFetch, seqNum, err)
	}
	if len(bufs) == 0 || bufs[0].Envelope == nil {
		return Envelope{}, fmt.Errorf("%w: message %d: no envelope returned", ErrFetch, seqNum)
	}
	return envelopeFromIMAP(bufs[0].Envelope), nil
}

func envelopeFromIMAP(env *imap.Envelope) Envelope {
	out := Envelope{
		Subject:   env.Subject,
		MessageID: env.MessageID,
	}
	sender := env.Sender
	if len(sender) == 0 {
		sender = env.From
	}
	out.Sender = addresses(sender)
	out.ReplyTo = addresses(env.ReplyTo)
	out.To = addresses(env.To)
	return out
}

func addresses(in []imap.Address) []Address {
	var out []Address
	for _, a := range in {
		out = append(out, Address{Mailbox: a.Mailbox, Host: a.Host})
	}
	return out
}

// MarkHandled sets the \Seen and \Deleted flags on the message. The
// message is not expunged; permanent removal is left to the mailbox
// server's session teardown or a later housekeeping pass.
func (w *Watcher) MarkHandled(seqNum uint32) error {
	storeCmd := w.client.Store(imap.SeqSetNum(seqNum), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("marking message %d handled: %w", seqNum, err)
	}
	return nil
}

// Close leaves IDLE if necessary and logs out. Safe to call in any state;
// usable during teardown after either outcome.
func (w *Watcher) Close() error {
	if w.client == nil {
		return nil
	}
	if err := w.EndWatch(); err != nil && w.Logger != nil {
		w.Logger.Debug("leaving idle during close", zap.Error(err))
	}
	err := w.client.Logout().Wait()
	w.client = nil
	if err != nil {
		return fmt.Errorf("logging out of mailbox session: %w", err)
	}
	return nil
}
