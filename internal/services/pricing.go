package services

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/voicegen-backend/internal/config"
	"github.com/tbourn/voicegen-backend/internal/domain"
)

// Pricing quotes the credit cost of a job.
type Pricing struct {
	cfg config.PricingConfig
}

// NewPricing wraps the configured price table.
func NewPricing(cfg config.PricingConfig) Pricing { return Pricing{cfg: cfg} }

// BillableChars counts user-perceived characters of speech input: the text
// is trimmed and NFC-normalized, so "é" costs the same however it was typed.
func BillableChars(text string) int {
	return utf8.RuneCountInString(norm.NFC.String(strings.TrimSpace(text)))
}

// Quote returns the credits a job costs.
func (p Pricing) Quote(job Job) int64 {
	switch job.Kind {
	case domain.KindSpeech:
		return p.cfg.SpeechPerChar * int64(BillableChars(job.Text))
	case domain.KindClone:
		return p.cfg.Clone
	case domain.KindTranscription:
		return p.cfg.Transcription
	case domain.KindDubbing:
		return p.cfg.Dubbing
	case domain.KindMusic:
		return p.cfg.Music
	}
	return 0
}

// OrderPriceCents prices a custom credit amount in USDT cents, rounding up.
func (p Pricing) OrderPriceCents(credits int64) int64 {
	return (credits*p.cfg.PriceCentsPer1000 + 999) / 1000
}
