package rules

import "github.com/opensource-finance/kestrel/internal/domain"

const builtinVersion = "1.0.0"

// Indicator strings of the stock rules.
const (
	IndicatorDisposableEmail   = "Disposable email detected"
	IndicatorIncompleteProfile = "Incomplete profile"
	IndicatorSuspiciousName    = "Suspicious name pattern"
	IndicatorNoPhotos          = "No profile photos"

	IndicatorExcessiveLikes     = "Excessive liking pattern"
	IndicatorRapidMessaging     = "Rapid messaging pattern"
	IndicatorDuplicateMessages  = "Duplicate message content"
	IndicatorMultipleReports    = "Multiple reports against user"
	IndicatorHourlyLikes        = "Excessive likes per hour"
	IndicatorHourlyMessages     = "Excessive messages per hour"
	IndicatorUnusualHours       = "Unusual activity hours"
	IndicatorSuspiciousIP       = "Suspicious IP pattern"
	IndicatorSharedIP           = "Multiple accounts same IP"
	IndicatorDeviceChurn        = "Rapid device changes"
	IndicatorSpamKeywords       = "Spam keywords detected"
	IndicatorExcessiveURLs      = "Excessive URL sharing"
	IndicatorInappropriateTerms = "Inappropriate content detected"
)

// BuiltinRules returns the stock rule table. Configuration and the
// rule_configs table overlay it by ID.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		// Profile
		builtin("profile-disposable-email", domain.DimensionProfile, "Disposable email",
			`facts.disposable_email == true`, IndicatorDisposableEmail, 0.5),
		builtin("profile-incomplete", domain.DimensionProfile, "Incomplete profile",
			`facts.completeness < limits.min_completeness`, IndicatorIncompleteProfile, 0.2),
		builtin("profile-suspicious-name", domain.DimensionProfile, "Suspicious display name",
			`facts.suspicious_name == true`, IndicatorSuspiciousName, 0.3),
		builtin("profile-no-photos", domain.DimensionProfile, "No photos",
			`facts.photo_count == 0.0`, IndicatorNoPhotos, 0.2),

		// Behavior
		builtin("behavior-excessive-likes", domain.DimensionBehavior, "Excessive liking",
			`facts.like_count > limits.excessive_likes`, IndicatorExcessiveLikes, 0.3),
		builtin("behavior-rapid-messaging", domain.DimensionBehavior, "Rapid messaging",
			`facts.mean_message_interval_ms < limits.rapid_message_interval_ms`, IndicatorRapidMessaging, 0.3),
		builtin("behavior-duplicate-messages", domain.DimensionBehavior, "Duplicate content",
			`facts.max_duplicate_count > limits.max_duplicate_messages`, IndicatorDuplicateMessages, 0.3),
		builtin("behavior-multiple-reports", domain.DimensionBehavior, "Multiple reports",
			`facts.report_count > limits.max_reports`, IndicatorMultipleReports, 0.4),
		builtin("behavior-hourly-likes", domain.DimensionBehavior, "Likes per hour",
			`facts.likes_last_hour > limits.likes_per_hour`, IndicatorHourlyLikes, 0.2),
		builtin("behavior-hourly-messages", domain.DimensionBehavior, "Messages per hour",
			`facts.messages_last_hour > limits.messages_per_hour`, IndicatorHourlyMessages, 0.2),
		builtin("behavior-unusual-hours", domain.DimensionBehavior, "Unusual activity hours",
			`facts.unusual_hours_ratio > limits.unusual_hours_ratio`, IndicatorUnusualHours, 0.1),

		// Network
		builtin("network-private-ip", domain.DimensionNetwork, "Private IP usage",
			`facts.private_ip_count > 0.0`, IndicatorSuspiciousIP, 0.4),
		builtin("network-shared-ip", domain.DimensionNetwork, "Shared IP fan-out",
			`facts.max_accounts_per_ip > limits.max_accounts_per_ip`, IndicatorSharedIP, 0.4),
		builtin("network-device-churn", domain.DimensionNetwork, "Device churn",
			`facts.distinct_devices > limits.max_devices`, IndicatorDeviceChurn, 0.3),

		// Content
		builtin("content-spam-keywords", domain.DimensionContent, "Spam keywords",
			`facts.spam_hits > 0.0`, IndicatorSpamKeywords, 0.4),
		builtin("content-excessive-urls", domain.DimensionContent, "Excessive URL sharing",
			`facts.url_messages > limits.max_url_messages || (facts.url_messages >= 2.0 && facts.url_ratio > limits.max_url_ratio)`,
			IndicatorExcessiveURLs, 0.35),
		builtin("content-inappropriate", domain.DimensionContent, "Inappropriate content",
			`facts.inappropriate_hits > 0.0`, IndicatorInappropriateTerms, 0.5),
	}
}

func builtin(id string, dim domain.Dimension, name, expr, indicator string, weight float64) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:         id,
		Dimension:  dim,
		Name:       name,
		Version:    builtinVersion,
		Expression: expr,
		Indicator:  indicator,
		Weight:     weight,
		Enabled:    true,
	}
}
