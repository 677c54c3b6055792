// Package mailboat owns the storage hub as a singleton and wires every
// other component (the Record Store, Auth Provider, Transfer Agent,
// SMTP Server and IMAP backend binding) as non-owning references. The
// agent calls into local delivery; local delivery never calls back into
// the agent, which keeps the component graph acyclic.
package mailboat

import (
	"context"

	"github.com/mailboat/mailboat/internal/auth"
	"github.com/mailboat/mailboat/internal/httpapi"
	"github.com/mailboat/mailboat/internal/imapbackend"
	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/mailcfg"
	"github.com/mailboat/mailboat/internal/queue"
	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/rfc5322"
	"github.com/mailboat/mailboat/internal/smtpd"
	"github.com/mailboat/mailboat/internal/store"
	"github.com/mailboat/mailboat/internal/transferagent"
	"github.com/mailboat/mailboat/internal/workerpool"
)

// Instance is the fully wired mailboat process: every component it
// holds a reference to is started and stopped from here.
type Instance struct {
	cfg mailcfg.Config
	log log.Logger

	storage *store.Hub
	records *records.Hub

	auth  *auth.Provider
	agent *transferagent.Agent

	imapBackend *imapbackend.Backend
	smtpServer  *smtpd.Server
	imapServer  *imapbackend.Server
	httpServer  *httpapi.Server
}

// New opens the storage hub and wires every collaborator, but starts
// nothing — call Start to begin serving.
func New(ctx context.Context, cfg mailcfg.Config) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := log.New("mailboat", cfg.Debug)

	storage, err := store.OpenHub(cfg.DatabasePath, l.With("component", "store"))
	if err != nil {
		return nil, err
	}

	recs, err := records.NewHub(ctx, storage)
	if err != nil {
		return nil, err
	}

	pool := workerpool.New(16)
	authProvider := auth.New(recs, pool)

	imapBack := imapbackend.New(recs, authProvider, l.With("component", "imap"))

	msgQueue, err := buildQueue(ctx, storage)
	if err != nil {
		return nil, err
	}

	agent := transferagent.New(cfg.Hostname, cfg.MyDomains, msgQueue, imapBack, l.With("component", "transferagent"))

	smtpBackend := smtpd.NewBackend(smtpd.Config{
		Hostname:        cfg.Hostname,
		Addr:            cfg.SMTPDAddr,
		AuthRequireTLS:  cfg.AuthRequireTLS,
		MaxMessageBytes: 32 << 20,
	}, authProvider, agent, l.With("component", "smtpd"))

	inst := &Instance{
		cfg:         cfg,
		log:         l,
		storage:     storage,
		records:     recs,
		auth:        authProvider,
		agent:       agent,
		imapBackend: imapBack,
	}

	if cfg.SMTPDAddr != "" {
		inst.smtpServer = smtpd.NewServer(smtpBackend, nil)
	}
	if cfg.IMAPAddr != "" {
		inst.imapServer = imapbackend.NewServer(cfg.IMAPAddr, imapBack, nil, false, !cfg.AuthRequireTLS, l.With("component", "imap"))
	}
	if cfg.HTTPAPIGateAddr != "" {
		inst.httpServer = httpapi.NewServer(cfg.HTTPAPIGateAddr, l.With("component", "httpapi"))
	}

	return inst, nil
}

// buildQueue opens the durable Record-Store-backed queue of pending
// envelopes, recovering any left over from a prior run.
func buildQueue(ctx context.Context, storage *store.Hub) (queue.Queue[*rfc5322.Message], error) {
	col, err := store.OpenCollection[queue.Entry](ctx, storage, "outbound_queue", store.NewReflectAdapter[queue.Entry]())
	if err != nil {
		return nil, err
	}
	return queue.NewDurableQueue[*rfc5322.Message](ctx, col, encodeMessage, decodeMessage)
}

func encodeMessage(msg *rfc5322.Message) string {
	raw, err := msg.Bytes()
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodeMessage(raw string) (*rfc5322.Message, error) {
	return rfc5322.Parse([]byte(raw))
}

// Start begins serving on every configured listener and starts the
// Transfer Agent's background delivery worker.
func (inst *Instance) Start(ctx context.Context) error {
	inst.agent.Start(ctx)

	if inst.smtpServer != nil {
		if err := inst.smtpServer.Start(); err != nil {
			return err
		}
	}
	if inst.imapServer != nil {
		if err := inst.imapServer.Start(); err != nil {
			return err
		}
	}
	if inst.httpServer != nil {
		if err := inst.httpServer.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts every component down and closes the storage hub last,
// since every other component holds only a non-owning reference to it.
func (inst *Instance) Stop(ctx context.Context) error {
	if inst.smtpServer != nil {
		_ = inst.smtpServer.Stop()
	}
	if inst.imapServer != nil {
		_ = inst.imapServer.Stop()
	}
	if inst.httpServer != nil {
		_ = inst.httpServer.Stop(ctx)
	}
	inst.agent.Destroy()
	return inst.storage.Close()
}

// Records exposes the Record Store hub for callers that need direct
// access (e.g. an admin CLI registering a user).
func (inst *Instance) Records() *records.Hub { return inst.records }

// Auth exposes the Auth Provider.
func (inst *Instance) Auth() *auth.Provider { return inst.auth }
