// Command mailboatd starts a mailboat instance from flag-supplied
// configuration. There is no config-file loader (environment discovery,
// validation diagnostics, hot reload); this is the minimal entry point
// the core library needs to actually run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mailboat/mailboat/internal/mailboat"
	"github.com/mailboat/mailboat/internal/mailcfg"
	"github.com/mailboat/mailboat/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	hostname := flag.String("hostname", "", "SMTP/IMAP hostname")
	myDomains := flag.String("domains", "", "comma-separated list of locally-accepted domains")
	dbPath := flag.String("db", "mailboat.db", "record store path, or :mem: for in-memory")
	smtpAddr := flag.String("smtp", ":25", "SMTP listen address, empty to disable")
	imapAddr := flag.String("imap", ":143", "IMAP listen address, empty to disable")
	httpAddr := flag.String("http", "", "liveness probe listen address, empty to disable")
	authRequireTLS := flag.Bool("auth-require-tls", true, "suppress AUTH on plaintext connections")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *hostname == "" {
		fmt.Fprintln(os.Stderr, "mailboatd: -hostname is required")
		os.Exit(2)
	}

	cfg := mailcfg.Config{
		Hostname:        *hostname,
		MyDomains:       splitNonEmpty(*myDomains),
		DatabasePath:    *dbPath,
		SMTPDAddr:       *smtpAddr,
		IMAPAddr:        *imapAddr,
		HTTPAPIGateAddr: *httpAddr,
		AuthRequireTLS:  *authRequireTLS,
		Debug:           *debug,
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		fmt.Fprintln(os.Stderr, "mailboatd: registering metrics:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	inst, err := mailboat.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mailboatd: starting:", err)
		os.Exit(1)
	}
	if err := inst.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mailboatd: starting:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = inst.Stop(stopCtx)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
