package domain

import "time"

// TTLNever marks a content type whose entries do not expire
const TTLNever time.Duration = 0

// ttlPolicy is the static content-type to time-to-live table. It is
// consulted exactly once per create/update; changing it never rewrites
// expires_at values already persisted.
var ttlPolicy = map[ContentType]time.Duration{
	ContentTypeLesson:         TTLNever,
	ContentTypeResearchNote:   180 * 24 * time.Hour,
	ContentTypeReport:         TTLNever,
	ContentTypePattern:        TTLNever,
	ContentTypeConfiguration:  365 * 24 * time.Hour,
	ContentTypeFix:            365 * 24 * time.Hour,
	ContentTypePlan:           90 * 24 * time.Hour,
	ContentTypeImplementation: 180 * 24 * time.Hour,
}

// TTLFor returns the time-to-live for a content type, or TTLNever
func TTLFor(t ContentType) time.Duration {
	return ttlPolicy[t]
}

// ExpiryFor derives expires_at from the TTL policy and a reference time.
// Returns nil for content types that never expire.
func ExpiryFor(t ContentType, ref time.Time) *time.Time {
	ttl := TTLFor(t)
	if ttl == TTLNever {
		return nil
	}
	at := ref.Add(ttl)
	return &at
}
