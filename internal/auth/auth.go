// Package auth implements the Auth Provider: it turns a
// (username,password) pair or a bare token into an authenticated answer,
// optionally minting a fresh token.
package auth

import (
	"context"

	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/metrics"
	"github.com/mailboat/mailboat/internal/password"
	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/scope"
	"github.com/mailboat/mailboat/internal/workerpool"
)

// Request carries the credential material the provider recognises. Zero
// values mean "not supplied".
type Request struct {
	Username      string
	Password      string
	Token         string
	AppID         string
	NewTokenScope []string
	RequestToken  bool
	// Now is the unix-seconds clock used for token expiration math and
	// availability checks; callers pass it explicitly so auth stays
	// deterministic under test.
	Now int64
	// TokenTTLSeconds, if positive, is added to Now to compute the new
	// token's expiration when RequestToken is set.
	TokenTTLSeconds int64
}

// Answer is the result of an auth attempt.
type Answer struct {
	// Handled reports whether this request matched a recognised
	// credential shape at all (as opposed to supplying nothing usable).
	Handled bool
	Success bool
	// RequiredSecondFactors lists any additional factors the caller
	// still needs to supply. Mailboat's core algorithm never populates
	// this (no 2FA module is in scope) but the field is part of the
	// answer shape so a future module can.
	RequiredSecondFactors []string
	Scope                 []string
	Token                 string
	Profile               string
}

// Provider is the Auth Provider: username/password and token-scope
// checks against the Record Store.
type Provider struct {
	Records *records.Hub
	Pool    *workerpool.Pool
}

// New builds a Provider over the given record hub.
func New(recs *records.Hub, pool *workerpool.Pool) *Provider {
	if pool == nil {
		pool = workerpool.New(8)
	}
	return &Provider{Records: recs, Pool: pool}
}

// Auth resolves the request:
//
//  1. If username and password are both present, look the user up; on a
//     miss, return handled=true/success=false. Verify the password; on
//     success, optionally mint a token.
//  2. If a bare token is present, look it up and check availability.
//  3. Otherwise the request is unhandled.
func (p *Provider) Auth(ctx context.Context, req Request) (Answer, error) {
	answer, err := p.auth(ctx, req)
	if err == nil {
		result := "unhandled"
		switch {
		case answer.Success:
			result = "success"
		case answer.Handled:
			result = "rejected"
		}
		metrics.AuthAttemptsTotal.WithLabelValues(result).Inc()
	}
	return answer, err
}

func (p *Provider) auth(ctx context.Context, req Request) (Answer, error) {
	switch {
	case req.Username != "" && req.Password != "":
		return p.authPassword(ctx, req)
	case req.Token != "":
		return p.authToken(ctx, req)
	default:
		return Answer{Handled: false, Success: false}, nil
	}
}

func (p *Provider) authPassword(ctx context.Context, req Request) (Answer, error) {
	user, ok, err := p.Records.FindUserByUsername(ctx, req.Username)
	if err != nil {
		return Answer{}, err
	}
	if !ok {
		return Answer{Handled: true, Success: false}, nil
	}

	match, err := workerpool.DoValue(ctx, p.Pool, func() (bool, error) {
		return password.Check(req.Password, user.PasswordB64Hash)
	})
	if err != nil {
		return Answer{}, exterrors.New(exterrors.Storage, "verifying password", err)
	}
	if !match {
		return Answer{Handled: true, Success: false}, nil
	}

	answer := Answer{Handled: true, Success: true, Profile: user.ProfileID}

	if req.RequestToken {
		appID := req.AppID
		if appID == "" {
			appID = records.AppIDPasswordGrant
		}
		tokenScope := req.NewTokenScope
		if len(tokenScope) == 0 {
			tokenScope = []string{scope.ActAsUser}
		}
		var expiresAt int64
		if req.TokenTTLSeconds > 0 {
			expiresAt = req.Now + req.TokenTTLSeconds
		}
		tok := records.NewToken(user.ProfileID, appID, tokenScope, expiresAt)
		stored, err := p.Records.StoreToken(ctx, tok)
		if err != nil {
			return Answer{}, err
		}
		answer.Token = stored.Token
		answer.Scope = stored.Scope
	}

	return answer, nil
}

func (p *Provider) authToken(ctx context.Context, req Request) (Answer, error) {
	tok, ok, err := p.Records.FindToken(ctx, req.Token)
	if err != nil {
		return Answer{}, err
	}
	if !ok || !tok.IsAvailable(req.Now) {
		return Answer{Handled: true, Success: false}, nil
	}
	return Answer{Handled: true, Success: true, Scope: tok.Scope, Profile: tok.ProfileID}, nil
}
