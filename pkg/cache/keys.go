package cache

import "strings"

// Key kinds.
const (
	KindRelationship   = "relationship"
	KindConversation   = "conversation"
	KindRecentMessages = "messages:recent"
	KindLatestSummary  = "summary:latest"
)

// Key joins a kind with one or more ids: kind:id or kind:id1:id2.
func Key(kind string, ids ...string) string {
	return kind + ":" + strings.Join(ids, ":")
}

// RelationshipKey is the key for the relationship between a user and a character.
func RelationshipKey(userID, characterID string) string {
	return Key(KindRelationship, userID, characterID)
}

// ConversationKey is the key for conversation metadata.
func ConversationKey(conversationID string) string {
	return Key(KindConversation, conversationID)
}

// RecentMessagesKey is the rolling list of the newest messages in a conversation.
func RecentMessagesKey(conversationID string) string {
	return Key(KindRecentMessages, conversationID)
}

// LatestSummaryKey is the newest summary of a conversation.
func LatestSummaryKey(conversationID string) string {
	return Key(KindLatestSummary, conversationID)
}

// DerivedKeys returns the keys built from a conversation's messages.
func DerivedKeys(conversationID string) []string {
	return []string{
		RecentMessagesKey(conversationID),
		LatestSummaryKey(conversationID),
	}
}
