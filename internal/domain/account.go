package domain

import (
	"time"
)

// AccountSnapshot is the read-only input of one scoring call.
// It is owned by the caller for the duration of the call; the engine never
// mutates it or retains references to it.
type AccountSnapshot struct {
	AccountID string    `json:"accountId"`
	CreatedAt time.Time `json:"createdAt"`

	// AsOf is the end of the evaluation window. When zero, the latest event
	// timestamp in the snapshot is used instead.
	AsOf time.Time `json:"asOf,omitempty"`

	// Window bounds the "excessive" rules. A zero window means the caller
	// already trimmed the event lists.
	Window Window `json:"window,omitempty"`

	Profile  *Profile        `json:"profile,omitempty"`
	Activity *Activity       `json:"activity,omitempty"`
	Network  *NetworkHistory `json:"network,omitempty"`

	// Content is the message/bio corpus. Nil means not supplied.
	Content []string `json:"content,omitempty"`
}

// Window is a caller-supplied lookback window.
type Window struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// IsZero reports whether neither bound is set.
func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// Contains reports whether t falls inside the window. Unset bounds are open.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// Profile holds the account profile fields the engine inspects.
type Profile struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Alias       string `json:"alias,omitempty"`
	Age         int    `json:"age,omitempty"`
	HasPhotos   bool   `json:"hasPhotos"`
	PhotoCount  *int   `json:"photoCount,omitempty"`
	BioLength   int    `json:"bioLength"`

	// FieldsPresent lists recognized field names the caller marks as filled.
	// When empty, presence is derived from the populated fields above.
	FieldsPresent []string `json:"fieldsPresent,omitempty"`
}

// Photos returns the photo count, treating an absent count as zero.
func (p *Profile) Photos() int {
	if p == nil || p.PhotoCount == nil {
		return 0
	}
	return *p.PhotoCount
}

// Recognized profile field names.
const (
	FieldDisplayName = "displayName"
	FieldEmail       = "email"
	FieldAlias       = "alias"
	FieldAge         = "age"
	FieldPhotos      = "photos"
	FieldBio         = "bio"
)

// profileFieldAliases maps alternate field names onto the recognized ones.
var profileFieldAliases = map[string]string{
	"nombre":    FieldDisplayName,
	"edad":      FieldAge,
	"biografia": FieldBio,
	"biografía": FieldBio,
}

// CanonicalProfileField returns the recognized name for field, resolving
// aliases. Unknown names are returned unchanged.
func CanonicalProfileField(field string) string {
	if canonical, ok := profileFieldAliases[field]; ok {
		return canonical
	}
	return field
}

// RecognizedProfileFields is the denominator of the completeness ratio.
var RecognizedProfileFields = []string{
	FieldDisplayName,
	FieldEmail,
	FieldAlias,
	FieldAge,
	FieldPhotos,
	FieldBio,
}

// Activity holds recent activity, bounded by the caller's lookback window.
type Activity struct {
	RecentLikes          []ActivityEvent `json:"recentLikes"`
	RecentMessages       []ActivityEvent `json:"recentMessages"`
	RecentReportsAgainst []ActivityEvent `json:"recentReportsAgainst"`
}

// ActivityEvent is a single like, message, or report.
type ActivityEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	ContentOrTarget string    `json:"contentOrTarget"`
}

// NetworkHistory holds login and IP history.
type NetworkHistory struct {
	LoginHistory []LoginEvent    `json:"loginHistory"`
	IPHistory    []IPObservation `json:"ipHistory"`

	// IPAccountCounts is the precomputed fan-out per IP, when the caller
	// already correlated accounts upstream.
	IPAccountCounts map[string]int `json:"ipAccountCounts,omitempty"`
}

// LoginEvent is one login with the device that performed it.
type LoginEvent struct {
	Timestamp         time.Time `json:"timestamp"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
}

// IPObservation is one sighting of an IP address for the account.
type IPObservation struct {
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
}

// EvaluationTime returns AsOf, or the latest event timestamp when AsOf is unset.
func (s *AccountSnapshot) EvaluationTime() time.Time {
	if !s.AsOf.IsZero() {
		return s.AsOf
	}

	var latest time.Time
	track := func(t time.Time) {
		if t.After(latest) {
			latest = t
		}
	}

	if s.Activity != nil {
		for _, e := range s.Activity.RecentLikes {
			track(e.Timestamp)
		}
		for _, e := range s.Activity.RecentMessages {
			track(e.Timestamp)
		}
		for _, e := range s.Activity.RecentReportsAgainst {
			track(e.Timestamp)
		}
	}
	if s.Network != nil {
		for _, l := range s.Network.LoginHistory {
			track(l.Timestamp)
		}
		for _, ip := range s.Network.IPHistory {
			track(ip.Timestamp)
		}
	}
	if latest.IsZero() {
		latest = s.CreatedAt
	}
	return latest
}
