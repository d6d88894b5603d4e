// Package merge folds server-computed chat deltas into an existing chat
// list. Apply is pure: inputs are never mutated and the result is a freshly
// built list, so a failed merge leaves the caller's state untouched.
package merge

import (
	"fmt"

	"github.com/pcarvalho/chatsync/internal/chat"
)

// KindMismatchError reports an update whose kind disagrees with the stored
// chat. A chat's kind is immutable, so this means the server's view and the
// client's state have diverged beyond incremental repair; the caller should
// resynchronize from scratch rather than patch locally.
type KindMismatchError struct {
	Chat     chat.ID
	Stored   chat.Kind
	Received chat.Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("chat %s: update kind %q does not match stored kind %q", e.Chat, e.Received, e.Stored)
}

// Report counts what a merge did. Skipped counts updates whose chat was not
// present (concurrently removed); they are ignored, not errors.
type Report struct {
	Added   int
	Removed int
	Updated int
	Skipped int
}

// Apply folds delta into existing and returns the new list. Order of
// operations is load-bearing: removals first, then updates, then additions.
// The result preserves existing order; display order is the caller's
// separate recency sort.
func Apply(existing []chat.Summary, delta chat.Delta) ([]chat.Summary, Report, error) {
	var rep Report

	out := make([]chat.Summary, 0, len(existing)+len(delta.Added))
	for _, c := range existing {
		if _, gone := delta.Removed[c.ID]; gone {
			rep.Removed++
			continue
		}
		out = append(out, c.Clone())
	}

	index := make(map[chat.ID]int, len(out))
	for i, c := range out {
		index[c.ID] = i
	}

	for _, upd := range delta.Updated {
		i, ok := index[upd.ID]
		if !ok {
			rep.Skipped++
			continue
		}
		if upd.Kind != out[i].Kind {
			return nil, rep, &KindMismatchError{Chat: upd.ID, Stored: out[i].Kind, Received: upd.Kind}
		}
		applyUpdate(&out[i], upd)
		rep.Updated++
	}

	for _, added := range delta.Added {
		if i, ok := index[added.ID]; ok {
			// Duplicate delivery of an earlier delta; replace rather than
			// duplicate the chat. Kind is immutable for the id's lifetime,
			// so a replacement of a different kind is the same hard error
			// as a mismatched update.
			if added.Kind != out[i].Kind {
				return nil, rep, &KindMismatchError{Chat: added.ID, Stored: out[i].Kind, Received: added.Kind}
			}
			out[i] = added.Clone()
			continue
		}
		index[added.ID] = len(out)
		out = append(out, added.Clone())
		rep.Added++
	}

	return out, rep, nil
}

// applyUpdate merges one update into a summary. Scalar fields present in the
// delta replace the stored value wholesale; group updates additionally merge
// the participant list.
func applyUpdate(c *chat.Summary, upd chat.Update) {
	if upd.LastUpdated != nil {
		c.LastUpdated = *upd.LastUpdated
	}
	if upd.LatestEventIndex != nil {
		c.LatestEventIndex = *upd.LatestEventIndex
	}
	if upd.LatestMessage != nil {
		m := *upd.LatestMessage
		c.LatestMessage = &m
	}
	if upd.ReadUpToByMe != nil {
		c.ReadUpToByMe = *upd.ReadUpToByMe
	}
	if upd.ReadUpToByThem != nil {
		c.ReadUpToByThem = *upd.ReadUpToByThem
	}

	if c.Kind != chat.KindGroup {
		return
	}
	if c.Group == nil {
		c.Group = &chat.GroupInfo{}
	}
	if upd.Name != nil {
		c.Group.Name = *upd.Name
	}
	if upd.Description != nil {
		c.Group.Description = *upd.Description
	}
	if upd.Public != nil {
		c.Group.Public = *upd.Public
	}
	c.Group.Participants = mergeParticipants(c.Group.Participants, upd)
}

// mergeParticipants applies participant changes while preserving positions.
// Existing participants keep their slot unless removed or role-updated in
// place; added participants are appended in delta order. Re-adding an
// existing participant is a no-op, so duplicate deltas cannot duplicate
// members.
func mergeParticipants(existing []chat.Participant, upd chat.Update) []chat.Participant {
	removed := make(map[string]struct{}, len(upd.ParticipantsRemoved))
	for _, id := range upd.ParticipantsRemoved {
		removed[id] = struct{}{}
	}
	roles := make(map[string]chat.Role, len(upd.ParticipantsUpdated))
	for _, p := range upd.ParticipantsUpdated {
		roles[p.UserID] = p.Role
	}

	out := make([]chat.Participant, 0, len(existing)+len(upd.ParticipantsAdded))
	present := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		if _, gone := removed[p.UserID]; gone {
			continue
		}
		if role, ok := roles[p.UserID]; ok {
			p.Role = role
		}
		present[p.UserID] = struct{}{}
		out = append(out, p)
	}
	for _, p := range upd.ParticipantsAdded {
		if _, gone := removed[p.UserID]; gone {
			continue
		}
		if _, dup := present[p.UserID]; dup {
			continue
		}
		present[p.UserID] = struct{}{}
		out = append(out, p)
	}
	return out
}
