// Package transferagent implements the Transfer Agent: it
// classifies the recipients of an accepted message, enqueues one
// envelope per recipient, and runs the background delivery worker that
// dispatches each envelope to local delivery or out over SMTP.
package transferagent

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"

	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/metrics"
	"github.com/mailboat/mailboat/internal/queue"
	"github.com/mailboat/mailboat/internal/rfc5322"
)

// LocalDeliveryHandler is the collaborator that places a message into a
// local recipient's mailbox (implemented by the IMAP backend binding).
type LocalDeliveryHandler interface {
	Deliver(ctx context.Context, recipient string, msg *rfc5322.Message) error
}

// Resolver is the subset of *net.Resolver the Transfer Agent needs to
// find a recipient domain's mail exchangers. net.DefaultResolver and
// github.com/foxcpp/go-mockdns's Resolver both satisfy it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Dialer opens a network connection, overridable in tests (e.g. with
// mockdns's loopback-routing Dial).
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Agent is the Transfer Agent: it owns the queue and the delivery
// worker exclusively.
type Agent struct {
	Hostname  string
	MyDomains map[string]bool

	Queue        queue.Queue[*rfc5322.Message]
	LocalDeliver LocalDeliveryHandler

	Resolver  Resolver
	Dial      Dialer
	TLSConfig *tls.Config

	// ImplicitTLSPort/PlainPort override the ports used for the implicit-TLS
	// and opportunistic-STARTTLS/plaintext outbound stages. Zero
	// means the standard 465/25.
	ImplicitTLSPort int
	PlainPort       int

	// SmartHost, if set, is used to authenticate on every outbound
	// connection stage via AUTH PLAIN (relay-through-provider setups).
	SmartHost *SmartHostAuth

	// MaxInFlight bounds the number of deliveries the worker allows to
	// run concurrently.
	MaxInFlight int

	Log log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Agent. domains is the mydomains configuration list.
func New(hostname string, domains []string, q queue.Queue[*rfc5322.Message], local LocalDeliveryHandler, l log.Logger) *Agent {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = true
	}
	return &Agent{
		Hostname:     hostname,
		MyDomains:    set,
		Queue:        q,
		LocalDeliver: local,
		Resolver:     net.DefaultResolver,
		Dial:         (&net.Dialer{}).DialContext,
		TLSConfig:    &tls.Config{},
		MaxInFlight:  16,
		Log:          l,
	}
}

func (a *Agent) isLocalDomain(hostname string) bool {
	return a.MyDomains[strings.ToLower(hostname)]
}

// isLoopbackSubmitter reports whether the X-Peer header names a
// loopback submitter.
func isLoopbackSubmitter(xPeer string) bool {
	switch strings.ToLower(strings.TrimSpace(xPeer)) {
	case "127.0.0.1", "::1", "localhost":
		return true
	}
	if ip := net.ParseIP(strings.TrimSpace(xPeer)); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// HandleMessage extracts recipients and enqueues per-recipient envelopes:
//
//  1. A message with no Message-Id is dropped silently.
//  2. To/Cc/Bcc are parsed as RFC 5322 address lists.
//  3. Each address bound for mydomains is queued for local delivery;
//     anything else is queued only if the submitter was loopback or
//     internal is true (relay), otherwise it is skipped to prevent an
//     open relay.
//  4. Each recipient gets its own deep copy with Delivered-To rewritten.
func (a *Agent) HandleMessage(ctx context.Context, msg *rfc5322.Message, internal bool) error {
	if msg.MessageID() == "" {
		a.Log.DebugMsg("dropping message with no Message-Id")
		return nil
	}

	loopback := internal || isLoopbackSubmitter(msg.Header.Get("X-Peer"))

	for _, headerName := range []string{"To", "Cc", "Bcc"} {
		for _, addr := range rfc5322.Recipients(msg.Header.Get(headerName)) {
			at := strings.LastIndexByte(addr.Address, '@')
			if at < 0 {
				continue
			}
			hostname := addr.Address[at+1:]

			local := a.isLocalDomain(hostname)
			if !local && !loopback {
				a.Log.DebugMsg("skipping non-local recipient from non-loopback submitter", "recipient", addr.Address)
				continue
			}

			envelope := msg.Clone()
			envelope.SetDeliveredTo(addr.Address)
			if err := a.Queue.Put(ctx, envelope); err != nil {
				return exterrors.New(exterrors.Storage, "enqueueing envelope", err)
			}
			metrics.QueueDepth.Set(float64(a.Queue.Len()))
		}
	}
	return nil
}

// Start begins the background delivery worker.
func (a *Agent) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.deliveryWorker(workerCtx)
}

// Destroy cancels the delivery worker ("transfer agent destroy") and
// waits for it to exit, including any deliveries already in flight
// (they see the cancelled context). Envelopes still waiting in the
// queue are not drained.
func (a *Agent) Destroy() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Agent) deliveryWorker(ctx context.Context) {
	defer a.wg.Done()

	inFlight := make(chan struct{}, max(a.MaxInFlight, 1))
	var fanIn sync.WaitGroup
	defer fanIn.Wait()

	for {
		envelope, id, err := a.Queue.Get(ctx)
		if ctx.Err() != nil {
			// transfer agent destroy
			return
		}
		if err != nil {
			a.Log.Error("fetching queue entry", err, "id", id)
			continue
		}
		if envelope == nil {
			// Entry vanished out-of-band (already removed); skip it.
			if rmErr := a.Queue.Remove(ctx, id); rmErr != nil {
				a.Log.Error("removing vanished queue entry", rmErr, "id", id)
			}
			continue
		}

		select {
		case inFlight <- struct{}{}:
		case <-ctx.Done():
			return
		}

		fanIn.Add(1)
		go func(envelope *rfc5322.Message, id int64) {
			defer fanIn.Done()
			defer func() { <-inFlight }()

			a.deliverOne(ctx, envelope)

			// The envelope is removed unconditionally after one
			// delivery attempt. There is no retry/backoff yet, so a
			// failed remote delivery is dropped rather than replayed.
			if err := a.Queue.Remove(ctx, id); err != nil {
				a.Log.Error("removing delivered queue entry", err, "id", id)
			}
			metrics.QueueDepth.Set(float64(a.Queue.Len()))
		}(envelope, id)
	}
}

func (a *Agent) deliverOne(ctx context.Context, envelope *rfc5322.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("delivery worker recovered from panic", exterrors.New(exterrors.Storage, "panic", nil), "panic", r)
		}
	}()

	to := envelope.DeliveredTo()
	if to == "" {
		a.Log.DebugMsg("dropping envelope with no Delivered-To")
		return
	}
	if envelope.HasBcc() {
		envelope.RewriteBcc(to)
	}

	at := strings.LastIndexByte(to, '@')
	if at < 0 {
		a.Log.DebugMsg("dropping envelope with unparsable Delivered-To", "to", to)
		return
	}
	hostname := to[at+1:]

	var err error
	if a.isLocalDomain(hostname) {
		err = a.LocalDeliver.Deliver(ctx, to, envelope)
	} else {
		err = a.remoteDeliver(ctx, envelope, to)
	}
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failure").Inc()
		a.Log.Error("delivery failed", err, "to", to, "message_id", envelope.MessageID())
		return
	}
	metrics.DeliveriesTotal.WithLabelValues("success").Inc()
}
