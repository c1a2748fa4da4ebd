package domain

import (
	"time"
)

// NotificationTypeFraudAlert is the only notification type the engine emits.
const NotificationTypeFraudAlert = "fraud_alert"

// AdminNotification is a moderation notification created at the high tier.
type AdminNotification struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"accountId"`
	FraudScore float64   `json:"fraudScore"`
	RiskLevel  RiskLevel `json:"riskLevel"`
	Indicators []string  `json:"indicators"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`

	// ScoreComputedAt links the notification to the record that raised it.
	ScoreComputedAt time.Time `json:"scoreComputedAt"`
}

// NotificationFilter narrows notification listings.
type NotificationFilter struct {
	UnreadOnly bool
	AccountID  string
	Limit      int
}
