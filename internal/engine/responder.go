package engine

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// Responder turns a conversation into one completion string. It is the only
// caller of ModelClient during generation and never fails: any error is
// logged and reported as an empty result.
type Responder struct {
	client  ModelClient
	limiter *rate.Limiter
}

// NewResponder wraps client. A nil limiter disables pacing.
func NewResponder(client ModelClient, limiter *rate.Limiter) *Responder {
	return &Responder{client: client, limiter: limiter}
}

// NewLimiter builds a limiter allowing rps calls per second with the given
// burst. rps <= 0 means unlimited.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Model names the underlying model.
func (r *Responder) Model() string { return r.client.Model() }

// Respond returns the trimmed completion for turns, or "" on failure.
// references are appended to the final user turn.
func (r *Responder) Respond(ctx context.Context, turns []model.Turn, references []string) string {
	msgs := WithReferences(turns, references)

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			slog.Warn("model call not started", "error", err)
			return ""
		}
	}

	text, err := r.client.Complete(ctx, msgs)
	if err != nil {
		slog.Error("model call failed", "model", r.client.Model(), "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

// WithReferences returns a copy of turns with references appended to the
// last user turn. turns itself is never modified.
func WithReferences(turns []model.Turn, references []string) []model.Turn {
	out := make([]model.Turn, len(turns))
	copy(out, turns)
	if len(references) == 0 {
		return out
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == model.RoleUser {
			out[i].Content += "\n\nReferences:\n" + strings.Join(references, "\n")
			break
		}
	}
	return out
}
