// Package repositories provides the persistence backends behind the
// presence and messaging engines: an in-memory store, a BadgerDB store,
// and a SQLite store. Filtering, aggregation, and pagination math is
// shared below so every backend produces identical results.
package repositories

import (
	"chat-core/domain"
	"sort"

	"github.com/samber/lo"
)

// DefaultPageLimit applies when a query omits an explicit limit.
const DefaultPageLimit = 50

// sortMessages orders a log chronologically, ties broken by id so every
// backend pages identically.
func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// sortSessions orders users-list results by user id.
func sortSessions(users []domain.UserSession) {
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})
}

// relevantTo reports whether a message belongs to a user's log: anything
// they sent, anything addressed to them, and every public message.
func relevantTo(msg domain.Message, userID string) bool {
	return msg.SenderID == userID || msg.RecipientID == userID || msg.Type == domain.MessagePublic
}

// counterpartyOf resolves the conversation a message files under from a
// user's point of view. Public traffic files under the broadcast sentinel.
func counterpartyOf(msg domain.Message, userID string) string {
	if msg.Type == domain.MessagePublic {
		return domain.BroadcastRecipient
	}
	if msg.SenderID == userID {
		return msg.RecipientID
	}
	return msg.SenderID
}

// aggregateConversations rebuilds the per-counterparty projection from a
// chronologically ordered message slice. A message from the user to
// themselves counts in both directions of the same conversation.
func aggregateConversations(msgs []domain.Message, userID string, opts domain.ConversationOptions) []domain.Conversation {
	sortMessages(msgs)
	byParty := make(map[string]*domain.Conversation)
	for _, msg := range msgs {
		if !relevantTo(msg, userID) {
			continue
		}
		party := counterpartyOf(msg, userID)
		conv, ok := byParty[party]
		if !ok {
			conv = &domain.Conversation{PartyID: party}
			if party == domain.BroadcastRecipient {
				// The sentinel is never a sender, so the public thread
				// needs its display name set here.
				conv.PartyName = domain.BroadcastPartyName
			}
			byParty[party] = conv
		}

		if msg.SenderID == userID {
			conv.Outgoing.Add(msg.Status)
		}
		if msg.RecipientID == userID || (msg.Type == domain.MessagePublic && msg.SenderID != userID) {
			conv.Incoming.Add(msg.Status)
		}

		if msg.SenderID == party {
			conv.PartyName = msg.SenderName
		}
		if msg.CreatedAt.After(conv.LastMessageAt) {
			conv.LastMessageAt = msg.CreatedAt
		}
	}

	conversations := make([]domain.Conversation, 0, len(byParty))
	for _, conv := range byParty {
		conversations = append(conversations, *conv)
	}
	sort.Slice(conversations, func(i, j int) bool {
		if conversations[i].LastMessageAt.Equal(conversations[j].LastMessageAt) {
			return conversations[i].PartyID < conversations[j].PartyID
		}
		return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
	})
	return paginate(conversations, opts.Page)
}

// historyMatch selects the messages shared with one counterparty, or all
// public messages when the counterparty is the broadcast sentinel.
func historyMatch(msg domain.Message, userID string, opts domain.HistoryOptions) bool {
	if opts.OtherPartyID == domain.BroadcastRecipient {
		return msg.Type == domain.MessagePublic
	}
	if msg.Type != domain.MessagePrivate {
		return false
	}
	other := opts.OtherPartyID
	return (msg.SenderID == userID && msg.RecipientID == other) ||
		(msg.SenderID == other && msg.RecipientID == userID)
}

// filterHistory pages a chronologically ordered slice, returning the page
// and the total match count. Paging past the end yields an empty page.
func filterHistory(msgs []domain.Message, userID string, opts domain.HistoryOptions) ([]domain.Message, int) {
	sortMessages(msgs)
	matched := lo.Filter(msgs, func(msg domain.Message, _ int) bool {
		return historyMatch(msg, userID, opts)
	})
	return paginate(matched, opts.Page), len(matched)
}

// markReadMatch selects the pre-read messages a read receipt applies to.
// Only messages addressed to the user ever transition; the outgoing
// direction is accepted as an option but matches nothing.
func markReadMatch(msg domain.Message, userID string, opts domain.MarkReadOptions) bool {
	if opts.Direction == domain.DirectionOutgoing {
		return false
	}
	if msg.RecipientID != userID || msg.Status == domain.StatusRead {
		return false
	}
	if opts.SenderID != "" && msg.SenderID != opts.SenderID {
		return false
	}
	if len(opts.MessageIDs) > 0 {
		return lo.Contains(opts.MessageIDs, msg.ID)
	}
	return true
}

// paginate clamps malformed bounds rather than panicking; services
// reject them earlier, but the stores stay safe for any caller.
func paginate[T any](items []T, page domain.Page) []T {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
