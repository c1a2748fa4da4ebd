package detector

import (
	"context"
	"regexp"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var urlPattern = regexp.MustCompile(`(?i)https?://|www\.`)

// ContentExtractor derives keyword and URL facts from the message corpus.
type ContentExtractor struct {
	spam          []string
	inappropriate []string
}

// NewContentExtractor creates a content extractor.
func NewContentExtractor(cfg domain.ContentLimits) *ContentExtractor {
	return &ContentExtractor{
		spam:          lowerAll(cfg.SpamKeywords),
		inappropriate: lowerAll(cfg.InappropriateTerms),
	}
}

// Extract implements Extractor. A nil Content falls back to the texts of the
// recent messages; with neither, content is unevaluable.
func (e *ContentExtractor) Extract(_ context.Context, snap *domain.AccountSnapshot) (rules.Facts, error) {
	corpus := snap.Content
	if corpus == nil {
		if snap.Activity == nil || len(snap.Activity.RecentMessages) == 0 {
			return nil, ErrUnevaluable
		}
		corpus = make([]string, len(snap.Activity.RecentMessages))
		for i, m := range snap.Activity.RecentMessages {
			corpus[i] = m.ContentOrTarget
		}
	}

	var spamHits, inappropriateHits, urlMessages int
	for _, text := range corpus {
		lower := strings.ToLower(text)
		if containsAny(lower, e.spam) {
			spamHits++
		}
		if containsAny(lower, e.inappropriate) {
			inappropriateHits++
		}
		if urlPattern.MatchString(text) {
			urlMessages++
		}
	}

	ratio := 0.0
	if len(corpus) > 0 {
		ratio = float64(urlMessages) / float64(len(corpus))
	}

	return rules.Facts{
		"message_count":      float64(len(corpus)),
		"spam_hits":          float64(spamHits),
		"inappropriate_hits": float64(inappropriateHits),
		"url_messages":       float64(urlMessages),
		"url_ratio":          ratio,
	}, nil
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func lowerAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
