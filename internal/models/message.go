package models

import (
	"fmt"
	"time"
)

// Sender identifies who produced a transcript message
type Sender string

const (
	SenderPlayer   Sender = "player"
	SenderNarrator Sender = "narrator"
	SenderSystem   Sender = "system"
)

// Role is the chat role used when a message is replayed to the model
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PromptMessage is one role-tagged entry of a model prompt
type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Message is an entry of a session transcript
type Message struct {
	MessageID     string            `json:"message_id"`
	SessionID     string            `json:"session_id"`
	Index         int               `json:"index"`
	Sender        Sender            `json:"sender"`
	Role          Role              `json:"role"`
	Content       string            `json:"content"`
	Timestamp     time.Time         `json:"timestamp"`
	FullPrompt    []PromptMessage   `json:"full_prompt,omitempty"`
	VisualPrompts map[string]string `json:"visual_prompts,omitempty"`
}

// MessageID formats the per-session transcript identifier
func MessageID(sessionID string, index int) string {
	return fmt.Sprintf("%s_%d", sessionID, index)
}

// RoleFor picks the chat role for a sender when none was recorded
func RoleFor(sender Sender) Role {
	switch sender {
	case SenderPlayer:
		return RoleUser
	case SenderSystem:
		return RoleSystem
	default:
		return RoleAssistant
	}
}

// PromptRole returns the stored role, falling back to the sender mapping.
func (m Message) PromptRole() Role {
	if m.Role != "" {
		return m.Role
	}
	return RoleFor(m.Sender)
}

// LatestNarratorMessage scans a transcript backwards for the newest narrator message.
func LatestNarratorMessage(transcript []Message) (*Message, bool) {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Sender == SenderNarrator {
			return &transcript[i], true
		}
	}
	return nil, false
}
