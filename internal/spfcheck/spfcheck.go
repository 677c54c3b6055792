// Package spfcheck exposes SPF evaluation as a standalone helper.
// Mailboat's core delivery pipeline never consults this; it exists for
// callers (future policy modules, diagnostics) that want an SPF verdict
// without it gating delivery.
package spfcheck

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"

	"github.com/mailboat/mailboat/internal/workerpool"
)

// Result is the SPF check verdict for one sender IP/domain/helo triple.
type Result struct {
	Verdict spf.Result
	Err     error
}

// Check runs the synchronous SPF DNS-dependent lookup on the worker
// pool (it is a blocking network call). sender is the MAIL FROM
// address; helo is the EHLO/HELO hostname the client presented.
func Check(ctx context.Context, pool *workerpool.Pool, ip net.IP, helo, sender string) Result {
	res, err := workerpool.DoValue(ctx, pool, func() (spf.Result, error) {
		r, err := spf.CheckHostWithSender(ip, helo, sender, spf.WithContext(ctx))
		return r, err
	})
	return Result{Verdict: res, Err: err}
}
