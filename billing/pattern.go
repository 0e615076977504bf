/*
pattern.go - Location/keyword pattern matching

PURPOSE:
  Pure substring matching between free-text event attributes (location,
  title) and the patterns owned by billing entities or tag rules. Used for
  studio-claim resolution and for tag-rule keyword preview.

MATCHING RULE:
  Case-insensitive containment in EITHER direction: the pattern may appear
  inside the text, or the text inside the pattern. "Flow Studio Berlin"
  therefore matches both the pattern "Flow Studio" and the pattern
  "Flow Studio Berlin Mitte".

CONFLICTS:
  A new pattern proposed for one owner conflicts with every existing pattern
  of a DIFFERENT owner that satisfies the same containment test. Conflicts
  are warnings naming the other owner and pattern - never auto-resolved,
  never blocking. Short patterns can produce false positives; the product
  warns rather than blocks, so no minimum-length guard is applied.

SIDE EFFECTS: none. Everything here is pure.

SEE ALSO:
  - resolver.go: applies this matcher and decides tie-breaks
*/
package billing

import "strings"

// =============================================================================
// MATCHING
// =============================================================================

// PatternOwner is one entity's (or tag rule's) claim set.
type PatternOwner struct {
	OwnerID  EntityID
	Patterns []string
}

// Match records which pattern of which owner matched a candidate string.
type Match struct {
	OwnerID EntityID
	Pattern string
}

// PatternMatches reports whether pattern and text match: case-insensitive
// substring containment in either direction. Empty strings never match.
func PatternMatches(text, pattern string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	p := strings.ToLower(strings.TrimSpace(pattern))
	if t == "" || p == "" {
		return false
	}
	return strings.Contains(t, p) || strings.Contains(p, t)
}

// MatchOwners returns every owner claim that matches the candidate text.
// Matching is not exclusive - multiple owners may match; tie-break policy
// belongs to the caller. For an owner with several matching patterns, the
// longest one is reported.
func MatchOwners(text string, owners []PatternOwner) []Match {
	var matches []Match
	for _, owner := range owners {
		best := ""
		for _, p := range owner.Patterns {
			if PatternMatches(text, p) && len(p) > len(best) {
				best = p
			}
		}
		if best != "" {
			matches = append(matches, Match{OwnerID: owner.OwnerID, Pattern: best})
		}
	}
	return matches
}

// =============================================================================
// CONFLICT DETECTION
// =============================================================================

// PatternConflict reports that a proposed pattern overlaps an existing
// pattern of a different owner. Informational: the caller surfaces it as a
// warning and keeps both patterns.
type PatternConflict struct {
	ProposedPattern string
	OwnerID         EntityID
	Pattern         string
}

// FindConflicts checks a pattern proposed for forOwner against all other
// owners' existing patterns. Patterns of forOwner itself never conflict.
func FindConflicts(proposed string, forOwner EntityID, owners []PatternOwner) []PatternConflict {
	var conflicts []PatternConflict
	for _, owner := range owners {
		if owner.OwnerID == forOwner {
			continue
		}
		for _, p := range owner.Patterns {
			if PatternMatches(proposed, p) {
				conflicts = append(conflicts, PatternConflict{
					ProposedPattern: proposed,
					OwnerID:         owner.OwnerID,
					Pattern:         p,
				})
			}
		}
	}
	return conflicts
}
