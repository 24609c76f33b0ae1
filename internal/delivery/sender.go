// Package delivery is the Telegram side of a dispatch session: it sends
// payload parts to recipients, renders the dashboard and builds the promo.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bulkdm/internal/dispatch"
	kit "bulkdm/internal/transport"
	logx "bulkdm/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec = 25
	defaultTimeout    = 15 * time.Second
)

type SenderOptions struct {
	// RatePerSec caps raw API sends across all sessions.
	RatePerSec int
	Timeout    time.Duration
	Log        logx.Logger
}

// Sender delivers one part to one recipient through the adapter.
type Sender struct {
	adapter kit.Adapter
	limiter *rate.Limiter
	timeout time.Duration
	log     logx.Logger
}

func NewSender(adapter kit.Adapter, opt SenderOptions) *Sender {
	if opt.RatePerSec <= 0 {
		opt.RatePerSec = defaultRatePerSec
	}
	if opt.Timeout <= 0 {
		opt.Timeout = defaultTimeout
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Sender{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(opt.RatePerSec), opt.RatePerSec),
		timeout: opt.Timeout,
		log:     opt.Log.With(logx.String("comp", "delivery.sender")),
	}
}

// SetRate adjusts the global send rate at runtime.
func (s *Sender) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = defaultRatePerSec
	}
	s.limiter.SetLimit(rate.Limit(perSec))
	s.limiter.SetBurst(perSec)
}

func (s *Sender) Send(ctx context.Context, to dispatch.Recipient, p dispatch.Part) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate wait: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	if p.Rich() {
		_, err = s.adapter.SendPhoto(sctx, to.Target(), p.PhotoURL, p.Text, p.Options)
	} else {
		_, err = s.adapter.SendText(sctx, to.Target(), p.Text, p.Options)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, kit.ErrRecipientUnavailable) {
		s.log.Debug("recipient unavailable", logx.String("to", to.String()), logx.Err(err))
	}
	return fmt.Errorf("send to %s: %w", to, err)
}
