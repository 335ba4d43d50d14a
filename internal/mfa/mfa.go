// Package mfa supplies out-of-band one-time codes to a waiting session.
//
// A session that reaches an MFA or CAPTCHA step calls AwaitCode and blocks
// until a code arrives, its context is cancelled, or its deadline passes.
// The core never solves challenges itself; codes come from an operator at a
// terminal, from an HTTP submission, or from upstream automation.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChallengeKind distinguishes what the portal is asking for.
type ChallengeKind string

const (
	KindOTP     ChallengeKind = "otp"
	KindCaptcha ChallengeKind = "captcha"
)

// Challenge describes one pending request for a code.
type Challenge struct {
	InstitutionID string        `json:"institution_id"`
	Kind          ChallengeKind `json:"kind"`
	Prompt        string        `json:"prompt"`
	IssuedAt      time.Time     `json:"issued_at"`
}

// CodeProvider blocks until a code for ch is available.
type CodeProvider interface {
	AwaitCode(ctx context.Context, ch Challenge) (string, error)
}

// ProviderFunc adapts a function to CodeProvider.
type ProviderFunc func(ctx context.Context, ch Challenge) (string, error)

func (f ProviderFunc) AwaitCode(ctx context.Context, ch Challenge) (string, error) {
	return f(ctx, ch)
}

// ErrNoCode is returned when a provider finished without a usable code.
var ErrNoCode = errors.New("no code supplied")

// Race asks every provider at once and returns the first code. The losers are cancelled.
func Race(providers ...CodeProvider) CodeProvider {
	if len(providers) == 1 {
		return providers[0]
	}
	return ProviderFunc(func(ctx context.Context, ch Challenge) (string, error) {
		if len(providers) == 0 {
			return "", ErrNoCode
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type result struct {
			code string
			err  error
		}
		results := make(chan result, len(providers))
		for _, p := range providers {
			go func(p CodeProvider) {
				code, err := p.AwaitCode(ctx, ch)
				results <- result{code, err}
			}(p)
		}

		var errs []error
		for range providers {
			r := <-results
			if r.err == nil && r.code != "" {
				return r.code, nil
			}
			if r.err == nil {
				r.err = ErrNoCode
			}
			errs = append(errs, r.err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Join(errs...)
	})
}

// Clean strips whitespace and separators operators tend to paste ("123 456", "123-456").
func Clean(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t', '\r', '\n':
			return -1
		}
		return r
	}, code)
}

func promptFor(ch Challenge) string {
	if ch.Prompt != "" {
		return ch.Prompt
	}
	switch ch.Kind {
	case KindCaptcha:
		return fmt.Sprintf("[%s] Solve the CAPTCHA in the browser window and enter the text: ", ch.InstitutionID)
	default:
		return fmt.Sprintf("[%s] Enter the verification code: ", ch.InstitutionID)
	}
}
