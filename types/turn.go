// Package types defines the core conversation data model shared by all
// converse packages.
package types

// Turn roles. A conversation is an ordered sequence of turns: at most one
// leading system turn followed by alternating user/assistant turns. The
// alternation is a convention, not mechanically enforced.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single message in a conversation, tagged by role.
// Content is opaque UTF-8; the engine never re-segments or re-encodes it.
type Turn struct {
	Role    string `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
}

// System builds a system turn.
func System(content string) Turn {
	return Turn{Role: RoleSystem, Content: content}
}

// User builds a user turn.
func User(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// Assistant builds an assistant turn.
func Assistant(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// HasSystem reports whether the sequence starts with a system turn.
func HasSystem(turns []Turn) bool {
	return len(turns) > 0 && turns[0].Role == RoleSystem
}

// FirstUserContent returns the content of the first user turn, or "" if the
// sequence contains no user turn.
func FirstUserContent(turns []Turn) string {
	for _, t := range turns {
		if t.Role == RoleUser {
			return t.Content
		}
	}
	return ""
}

// CountReal returns the number of user and assistant turns, excluding any
// system turn.
func CountReal(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == RoleUser || t.Role == RoleAssistant {
			n++
		}
	}
	return n
}
