package metrics

import "strings"

// AdjustAccounts moves the per-state account gauge by delta.
func AdjustAccounts(state string, delta int64) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.registeredAccounts.WithLabelValues(normalizeLabel(state)).Add(float64(delta))
}

// RecordLoginAttempt increments the login attempt counter.
func RecordLoginAttempt(result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.loginAttempts.WithLabelValues(normalizeLabel(result)).Inc()
}

// RecordTokenIssued counts a bearer token handed out by a successful login.
func RecordTokenIssued() {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.tokensIssued.Inc()
}

// RecordVerificationMail records an outbound verification mail by kind and result.
func RecordVerificationMail(kind, result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.verificationMails.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

// RecordSweepRemovals counts records dropped by a maintenance sweep.
func RecordSweepRemovals(kind string, count int) {
	module := ensureModule()
	if module == nil || count <= 0 {
		return
	}
	module.metrics.sweepRemovals.WithLabelValues(normalizeLabel(kind)).Add(float64(count))
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
