package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

const (
	DefaultCompressThreshold = 3000
	defaultCompressAttempts  = 3
)

const compressPreamble = "Condense the web page text below for a travel researcher."

// PageCompressor asks a language model to shorten long page text while
// keeping every place it mentions.
type PageCompressor struct {
	llm       core.LanguageModel
	threshold int
	attempts  int
	logger    *zap.Logger
}

// NewPageCompressor compresses pages longer than threshold characters.
func NewPageCompressor(llm core.LanguageModel, threshold int, logger *zap.Logger) *PageCompressor {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageCompressor{llm: llm, threshold: threshold, attempts: defaultCompressAttempts, logger: logger.Named("compressor")}
}

// Compress returns a shorter rendition of text. Short pages, failed calls and
// answers that are not shorter than the input all yield text unchanged.
func (c *PageCompressor) Compress(ctx context.Context, text string) string {
	if c == nil || len(text) <= c.threshold {
		return text
	}
	prompt := compressPrompt(text)
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if ctx.Err() != nil {
			return text
		}
		out, err := c.llm.Complete(ctx, prompt, 0)
		out = strings.TrimSpace(out)
		if err == nil && out == "" {
			err = fmt.Errorf("empty compression")
		}
		if err != nil {
			c.logger.Debug("page compression failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if len(out) >= len(text) {
			return text
		}
		return out
	}
	c.logger.Warn("page compression gave up, keeping raw text", zap.Int("chars", len(text)))
	return text
}

func compressPrompt(text string) string {
	var b strings.Builder
	b.WriteString(compressPreamble)
	b.WriteString(" Keep every place name, address, opening hours, price and review opinion. ")
	b.WriteString("Drop navigation, advertising and boilerplate. Reply with the condensed text only.\n\n")
	fmt.Fprintf(&b, "<page>\n%s\n</page>", text)
	return b.String()
}
