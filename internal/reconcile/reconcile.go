// Package reconcile computes per-field merges between the local record of a
// managed entity and the freshly observed external one. The engine is pure:
// it does no I/O, callers apply the returned patches and emit audit records.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/haukh/idport/model"
)

type Policy string

const (
	ExternalWins   Policy = "external_wins"
	LocalWins      Policy = "local_wins"
	MostRecentWins Policy = "most_recent_wins"
)

func KnownPolicy(p Policy) bool {
	return p == ExternalWins || p == LocalWins || p == MostRecentWins
}

// FieldConflictPolicy is read once at the start of a reconciliation pass and
// treated as immutable for its duration.
type FieldConflictPolicy struct {
	Default   Policy
	Overrides map[string]Policy
}

func (p FieldConflictPolicy) effective(field string) (Policy, bool) {
	if override, ok := p.Overrides[field]; ok {
		return override, KnownPolicy(override)
	}
	return p.Default, KnownPolicy(p.Default)
}

type Side string

const (
	SideLocal    Side = "local"
	SideExternal Side = "external"
)

// Observed is an external entity as returned by the IdP, reduced to the
// tracked field set.
type Observed struct {
	ExternalID string
	Name       string
	Email      string
	Department string
	OrgUnit    string
	Members    []string
	State      string
	ObservedAt time.Time
}

type Conflict struct {
	Field         string `json:"field"`
	LocalValue    string `json:"localValue"`
	ExternalValue string `json:"externalValue"`
	Winner        Side   `json:"winner"`
	Policy        Policy `json:"policy"`
	// TieBreak marks the deliberate MostRecentWins tie rule: equal or
	// missing timestamps resolve to the external value.
	TieBreak bool `json:"tieBreak,omitempty"`
	// NeedsReview marks a conflict no configured policy covered; the field
	// defaulted to ExternalWins and should be flagged to an admin rather
	// than silently dropped.
	NeedsReview bool `json:"needsReview,omitempty"`
}

// Result carries the updates each side should converge to. LocalPatch is
// applied to the local store; ExternalPatch is pushed outbound when the sync
// direction allows it.
type Result struct {
	LocalPatch    map[string]string
	ExternalPatch map[string]string
	Conflicts     []Conflict
}

type fieldDef struct {
	name     string
	local    func(*model.ManagedEntity) string
	external func(*Observed) string
}

// trackedFields is iterated in this fixed order so resolution never depends
// on map iteration.
var trackedFields = []fieldDef{
	{"name", func(e *model.ManagedEntity) string { return e.Name }, func(o *Observed) string { return o.Name }},
	{"email", func(e *model.ManagedEntity) string { return e.Email }, func(o *Observed) string { return o.Email }},
	{"department", func(e *model.ManagedEntity) string { return e.Department }, func(o *Observed) string { return o.Department }},
	{"org_unit", func(e *model.ManagedEntity) string { return e.OrgUnit }, func(o *Observed) string { return o.OrgUnit }},
	{"members", func(e *model.ManagedEntity) string { return EncodeMembers(e.Members) }, func(o *Observed) string { return EncodeMembers(o.Members) }},
}

// Reconcile diffs every tracked field and resolves differences per policy.
// Running it twice over a converged pair yields no conflicts and no patches.
func Reconcile(local *model.ManagedEntity, external *Observed, policy FieldConflictPolicy) Result {
	result := Result{
		LocalPatch:    make(map[string]string),
		ExternalPatch: make(map[string]string),
	}

	for _, field := range trackedFields {
		localVal := field.local(local)
		externalVal := field.external(external)
		if localVal == externalVal {
			continue
		}

		effective, known := policy.effective(field.name)
		conflict := Conflict{
			Field:         field.name,
			LocalValue:    localVal,
			ExternalValue: externalVal,
			Policy:        effective,
		}
		if !known {
			conflict.Policy = ExternalWins
			conflict.NeedsReview = true
			conflict.Winner = SideExternal
		} else {
			switch effective {
			case ExternalWins:
				conflict.Winner = SideExternal
			case LocalWins:
				conflict.Winner = SideLocal
			case MostRecentWins:
				conflict.Winner, conflict.TieBreak = mostRecent(local.LocalUpdatedAt, external.ObservedAt)
			}
		}

		if conflict.Winner == SideExternal {
			result.LocalPatch[field.name] = externalVal
		} else {
			result.ExternalPatch[field.name] = localVal
		}
		result.Conflicts = append(result.Conflicts, conflict)
	}
	return result
}

// mostRecent picks the side with the later timestamp. Equal timestamps, or a
// missing timestamp on either side, are a tie and resolve to the external
// value: the IdP is the safer default authority.
func mostRecent(localUpdated, externalObserved time.Time) (Side, bool) {
	if localUpdated.IsZero() || externalObserved.IsZero() || localUpdated.Equal(externalObserved) {
		return SideExternal, true
	}
	if localUpdated.After(externalObserved) {
		return SideLocal, false
	}
	return SideExternal, false
}

// EncodeMembers canonicalizes a membership list for comparison and patching:
// sorted, comma separated. Member identifiers are email addresses, which
// cannot contain commas.
func EncodeMembers(members []string) string {
	if len(members) == 0 {
		return ""
	}
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func DecodeMembers(encoded string) []string {
	if encoded == "" {
		return nil
	}
	return strings.Split(encoded, ",")
}

// ApplyToEntity writes a local patch back onto the entity's tracked fields.
func ApplyToEntity(entity *model.ManagedEntity, patch map[string]string) {
	for _, field := range trackedFields {
		val, ok := patch[field.name]
		if !ok {
			continue
		}
		switch field.name {
		case "name":
			entity.Name = val
		case "email":
			entity.Email = val
		case "department":
			entity.Department = val
		case "org_unit":
			entity.OrgUnit = val
		case "members":
			entity.Members = DecodeMembers(val)
		}
	}
}

// SnapshotEntity captures the tracked fields of the local record, used for
// previous/new value audit snapshots.
func SnapshotEntity(entity *model.ManagedEntity) map[string]string {
	snapshot := make(map[string]string, len(trackedFields))
	for _, field := range trackedFields {
		snapshot[field.name] = field.local(entity)
	}
	return snapshot
}
