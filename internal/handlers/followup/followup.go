// Package followup sends the steps of the post-download message series.
package followup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"leadflow/internal/domain"
	"leadflow/internal/notify"
)

// Fallback texts are used when the remote store has no text for a step.
var Fallback = map[int]string{
	1: "Hello! Yesterday you downloaded one of our guides.\n\n" +
		"Have you had a chance to read it? If anything is unclear, just reply and we will help.",
	2: "Hi again! A few days have passed since you downloaded the guide.\n\n" +
		"We have a practical case study on this topic. Follow our channel so you don't miss new material.\n\n" +
		"More guides: /start",
	3: "Good day! We hope the guide was useful.\n\n" +
		"We offer a free 15-minute consultation on the guide's topic with one of our specialists. " +
		"Reply to this message to book a slot.\n\n" +
		"More guides: /start",
}

type TextSource interface {
	FollowupTexts(ctx context.Context) (map[string]string, error)
}

type Handler struct {
	texts  TextSource
	sender notify.Sender
	log    zerolog.Logger
}

// New builds the handler. A nil texts source always uses the fallback texts.
func New(texts TextSource, sender notify.Sender, log zerolog.Logger) *Handler {
	return &Handler{texts: texts, sender: sender, log: log}
}

// Text picks the message for a step: the guide-specific text, then the
// generic one, then the built-in fallback.
func Text(texts map[string]string, guideID string, step int) string {
	if t := texts[fmt.Sprintf("%s_step_%d", guideID, step)]; t != "" {
		return t
	}
	if t := texts[fmt.Sprintf("step_%d", step)]; t != "" {
		return t
	}
	return Fallback[step]
}

func (h *Handler) Handle(ctx context.Context, t domain.Task, p domain.FollowupPayload) error {
	log := h.log.With().Str("task_id", t.ID).Int64("user_id", t.UserID).
		Str("guide_id", p.GuideID).Int("step", p.Step).Logger()

	var texts map[string]string
	if h.texts != nil {
		var err error
		if texts, err = h.texts.FollowupTexts(ctx); err != nil {
			log.Warn().Err(err).Msg("follow-up texts unavailable, using fallback")
		}
	}
	text := Text(texts, p.GuideID, p.Step)
	if text == "" {
		log.Warn().Msg("no follow-up text for step")
		return nil
	}

	if err := h.sender.Send(ctx, t.UserID, text); err != nil {
		return fmt.Errorf("send step %d: %w", p.Step, err)
	}
	log.Info().Msg("follow-up sent")
	return nil
}
