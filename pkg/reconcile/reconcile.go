// Package reconcile computes the minimal change-set between a feed's stored
// entries and a freshly parsed batch. It never deletes: entries absent from
// the incoming batch only fell out of the feed's publish window.
package reconcile

import (
	"time"

	"github.com/feedvault/feedvault/pkg/domain"
	"github.com/feedvault/feedvault/pkg/identity"
)

// Reconcile classifies incoming entries against the stored summaries.
// Incoming document order is preserved for inserts. A duplicate key within
// one batch keeps its first occurrence and later ones are dropped for this
// cycle. With force set, matching fingerprints still produce updates; used
// for feeds marked stale.
func Reconcile(existing []domain.EntrySummary, incoming []domain.ParsedEntry, now time.Time, force bool) domain.ChangeSet {
	byKey := make(map[string]domain.EntrySummary, len(existing))
	for _, s := range existing {
		byKey[s.Key] = s
	}

	var cs domain.ChangeSet
	seen := make(map[string]struct{}, len(incoming))

	for i, in := range incoming {
		key := identity.Key(in)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fp := identity.Fingerprint(in)

		stored, ok := byKey[key]
		switch {
		case !ok:
			e := toEntry(in, key, fp, now)
			e.FeedOrder = i
			cs.Inserts = append(cs.Inserts, e)
		case stored.Fingerprint != fp || force:
			e := toEntry(in, key, fp, now)
			e.ID = stored.ID
			e.FeedOrder = i
			cs.Updates = append(cs.Updates, e)
		default:
			cs.Unchanged++
		}
	}
	return cs
}

// toEntry maps a parsed entry to its stored form. The updated timestamp is
// recomputed from reconciliation time only when the document supplies none.
func toEntry(in domain.ParsedEntry, key, fp string, now time.Time) domain.Entry {
	e := domain.Entry{
		Key:         key,
		Title:       in.Title,
		Link:        in.Link,
		Author:      in.Author,
		Summary:     in.Summary,
		Content:     in.Content,
		Enclosures:  in.Enclosures,
		Fingerprint: fp,
	}

	switch {
	case in.Published != nil:
		e.Published = in.Published.UTC()
	case in.Updated != nil:
		e.Published = in.Updated.UTC()
	default:
		e.Published = now.UTC()
	}

	switch {
	case in.Updated != nil:
		e.Updated = in.Updated.UTC()
	case in.Published != nil:
		e.Updated = in.Published.UTC()
	default:
		e.Updated = now.UTC()
	}
	return e
}
