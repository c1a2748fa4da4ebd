package detector

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var (
	lettersThenDigits = regexp.MustCompile(`^\p{L}+[0-9]+$`)
	allDigits         = regexp.MustCompile(`^[0-9]+$`)
)

// ProfileExtractor derives profile facts.
type ProfileExtractor struct {
	patterns []string
}

// NewProfileExtractor creates a profile extractor.
func NewProfileExtractor(cfg domain.ProfileLimits) *ProfileExtractor {
	patterns := make([]string, 0, len(cfg.DisposableEmailPatterns))
	for _, p := range cfg.DisposableEmailPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &ProfileExtractor{patterns: patterns}
}

// Extract implements Extractor.
func (e *ProfileExtractor) Extract(_ context.Context, snap *domain.AccountSnapshot) (rules.Facts, error) {
	p := snap.Profile
	if p == nil {
		return nil, ErrUnevaluable
	}

	return rules.Facts{
		"disposable_email": e.IsDisposableEmail(p.Email),
		"completeness":     Completeness(p),
		"suspicious_name":  IsSuspiciousName(p.DisplayName),
		"photo_count":      float64(p.Photos()),
	}, nil
}

// IsDisposableEmail reports whether the email's domain contains a disposable
// mail pattern, case-insensitively.
func (e *ProfileExtractor) IsDisposableEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}

	host := email
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		host = email[at+1:]
	}

	for _, p := range e.patterns {
		if strings.Contains(host, p) {
			return true
		}
	}
	return false
}

// IsSuspiciousName flags display names that are shorter than two characters,
// letters followed by digits, one repeated character, or digits only.
func IsSuspiciousName(name string) bool {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < 2 {
		return true
	}
	if lettersThenDigits.MatchString(name) || allDigits.MatchString(name) {
		return true
	}

	lower := []rune(strings.ToLower(name))
	for _, r := range lower[1:] {
		if r != lower[0] {
			return false
		}
	}
	return true
}

// Completeness returns the fraction of recognized profile fields present.
func Completeness(p *domain.Profile) float64 {
	present := make(map[string]bool, len(domain.RecognizedProfileFields))

	if len(p.FieldsPresent) > 0 {
		for _, f := range p.FieldsPresent {
			present[domain.CanonicalProfileField(f)] = true
		}
	} else {
		present[domain.FieldDisplayName] = strings.TrimSpace(p.DisplayName) != ""
		present[domain.FieldEmail] = strings.TrimSpace(p.Email) != ""
		present[domain.FieldAlias] = strings.TrimSpace(p.Alias) != ""
		present[domain.FieldAge] = p.Age > 0
		present[domain.FieldPhotos] = p.HasPhotos || p.Photos() > 0
		present[domain.FieldBio] = p.BioLength > 0
	}

	count := 0
	for _, f := range domain.RecognizedProfileFields {
		if present[f] {
			count++
		}
	}
	return float64(count) / float64(len(domain.RecognizedProfileFields))
}
