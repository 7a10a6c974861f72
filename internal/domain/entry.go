package domain

import (
	"time"
)

// ContentType classifies a knowledge entry and selects its TTL policy
type ContentType string

const (
	ContentTypeLesson         ContentType = "lesson"
	ContentTypeResearchNote   ContentType = "research_note"
	ContentTypeReport         ContentType = "report"
	ContentTypePattern        ContentType = "pattern"
	ContentTypeConfiguration  ContentType = "configuration"
	ContentTypeFix            ContentType = "fix"
	ContentTypePlan           ContentType = "plan"
	ContentTypeImplementation ContentType = "implementation"
)

// Category is the hard query-time filter vocabulary
type Category string

const (
	CategoryGeneral      Category = "general"
	CategoryArchitecture Category = "architecture"
	CategoryDebugging    Category = "debugging"
	CategoryOperations   Category = "operations"
	CategorySecurity     Category = "security"
	CategoryPerformance  Category = "performance"
)

// AccessScope controls which agents may read an entry
type AccessScope string

const (
	AccessScopePublic     AccessScope = "public"
	AccessScopeRestricted AccessScope = "restricted"
)

// VoteKind is one of the four supported vote categories
type VoteKind string

const (
	VoteHelpful   VoteKind = "helpful"
	VoteUnhelpful VoteKind = "unhelpful"
	VoteOutdated  VoteKind = "outdated"
	VoteIncorrect VoteKind = "incorrect"
)

// VoteTally aggregates votes cast on an entry
type VoteTally struct {
	Helpful   int
	Unhelpful int
	Outdated  int
	Incorrect int
}

// Role identifies the privilege level of a requester
type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Requester is the already-validated caller identity
type Requester struct {
	AgentID string
	Role    Role
}

// IsAdmin reports whether the requester has the admin role
func (r Requester) IsAdmin() bool {
	return r.Role == RoleAdmin
}

const (
	MaxTitleLen   = 200
	MaxContentLen = 64 * 1024
	MaxTags       = 16
	MaxTagLen     = 64
	MaxAllowList  = 64
)

// Entry is the authoritative knowledge record
type Entry struct {
	ID          string
	Title       string
	Content     string
	ContentType ContentType
	Category    Category
	Tags        []string
	Embedding   []float32
	AccessScope AccessScope
	AllowAgents []string // read allow-list when AccessScope is restricted
	OwnerID     string
	Votes       VoteTally
	Confidence  float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time // nil means never expires
	Version     int64
}

// Expired reports whether the entry's TTL has elapsed at the given instant
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Readable reports whether the requester may see this entry.
// Public entries are visible to everyone; restricted entries only to the
// owner, admins, and agents on the allow-list.
func (e *Entry) Readable(req Requester) bool {
	if e.AccessScope == AccessScopePublic {
		return true
	}
	if req.IsAdmin() || req.AgentID == e.OwnerID {
		return true
	}
	for _, id := range e.AllowAgents {
		if id == req.AgentID {
			return true
		}
	}
	return false
}

// Writable reports whether the requester may mutate this entry
func (e *Entry) Writable(req Requester) bool {
	return req.IsAdmin() || req.AgentID == e.OwnerID
}

// ValidateEntry validates a fully-populated Entry
func ValidateEntry(e *Entry) error {
	if e == nil {
		return NewDomainError(ErrCodeValidation, "entry cannot be nil")
	}
	if e.ID == "" {
		return NewDomainError(ErrCodeValidation, "entry ID is required")
	}
	if e.OwnerID == "" {
		return NewDomainError(ErrCodeValidation, "entry OwnerID is required")
	}
	if err := validateFields(e.Title, e.Content, e.ContentType, e.Category, e.Tags); err != nil {
		return err
	}
	if e.AccessScope != AccessScopePublic && e.AccessScope != AccessScopeRestricted {
		return NewDomainError(ErrCodeValidation, "invalid access scope: "+string(e.AccessScope))
	}
	if len(e.AllowAgents) > MaxAllowList {
		return NewDomainError(ErrCodeValidation, "allow-list too large")
	}
	if e.AccessScope == AccessScopePublic && len(e.AllowAgents) > 0 {
		return NewDomainError(ErrCodeValidation, "public entries cannot carry an allow-list")
	}
	return nil
}

func validateFields(title, content string, ct ContentType, cat Category, tags []string) error {
	if title == "" {
		return NewDomainError(ErrCodeValidation, "title is required")
	}
	if len(title) > MaxTitleLen {
		return NewDomainError(ErrCodeValidation, "title exceeds maximum length")
	}
	if content == "" {
		return NewDomainError(ErrCodeValidation, "content is required")
	}
	if len(content) > MaxContentLen {
		return NewDomainError(ErrCodeValidation, "content exceeds maximum length")
	}
	if !IsValidContentType(ct) {
		return NewDomainError(ErrCodeValidation, "invalid content type: "+string(ct))
	}
	if !IsValidCategory(cat) {
		return NewDomainError(ErrCodeValidation, "invalid category: "+string(cat))
	}
	if len(tags) > MaxTags {
		return NewDomainError(ErrCodeValidation, "too many tags")
	}
	for _, tag := range tags {
		if tag == "" || len(tag) > MaxTagLen {
			return NewDomainError(ErrCodeValidation, "invalid tag: "+tag)
		}
	}
	return nil
}

// IsValidContentType checks if a ContentType is part of the fixed enumeration
func IsValidContentType(t ContentType) bool {
	switch t {
	case ContentTypeLesson, ContentTypeResearchNote, ContentTypeReport,
		ContentTypePattern, ContentTypeConfiguration, ContentTypeFix,
		ContentTypePlan, ContentTypeImplementation:
		return true
	}
	return false
}

// IsValidCategory checks if a Category is part of the fixed vocabulary
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryGeneral, CategoryArchitecture, CategoryDebugging,
		CategoryOperations, CategorySecurity, CategoryPerformance:
		return true
	}
	return false
}

// IsValidVoteKind checks if a VoteKind is one of the four supported kinds
func IsValidVoteKind(v VoteKind) bool {
	switch v {
	case VoteHelpful, VoteUnhelpful, VoteOutdated, VoteIncorrect:
		return true
	}
	return false
}

// EmbeddingText returns the text an entry is embedded from
func (e *Entry) EmbeddingText() string {
	return e.Title + "\n\n" + e.Content
}
