package wallet

import "time"

// NextSubscriptionExpiry computes the entitlement expiry resulting from a
// successful subscription payment. An expiry still in the future is extended
// from its current value; a missing or lapsed expiry restarts from now.
func NextSubscriptionExpiry(current *time.Time, now time.Time) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.AddDate(0, 0, subscriptionExtensionDays)
}
