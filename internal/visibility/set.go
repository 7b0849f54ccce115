package visibility

import (
	"bytes"
	"slices"

	"github.com/google/uuid"
)

type SubscriberID = uuid.UUID

// Set is a set of subscribers. The zero value is an empty, read-only set.
type Set map[SubscriberID]struct{}

func NewSet(ids ...SubscriberID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id SubscriberID) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int { return len(s) }

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Minus returns the members of s that are not in o.
func (s Set) Minus(o Set) Set {
	out := Set{}
	for id := range s {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the members in byte order, for stable iteration.
func (s Set) Sorted() []SubscriberID {
	out := make([]SubscriberID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b SubscriberID) int { return bytes.Compare(a[:], b[:]) })
	return out
}
