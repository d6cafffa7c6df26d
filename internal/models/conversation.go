// Package models defines the GORM models persisted by rig.
package models

import "time"

// ConversationRecord is the durable pointer for one external conversation
// identity (a chat thread or web session). It survives bridge restarts and
// idle reaps; the orchestrator uses it to resume the agent session and
// re-apply the last selected model. Never deleted except on explicit reset.
type ConversationRecord struct {
	ConvoID       string    `gorm:"primaryKey;size:128"`
	SessionFile   string    `gorm:"size:512"`
	SessionID     string    `gorm:"size:64"`
	Provider      string    `gorm:"size:64"`
	Model         string    `gorm:"size:128"`
	ThinkingLevel string    `gorm:"size:16"`
	LastActivity  time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TurnLog is one row per completed turn half (user prompt or final
// assistant text) for a conversation. Lightweight pointers only — streaming
// deltas and tool output are not persisted.
type TurnLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ConvoID   string `gorm:"size:128;not null;index"`
	Sequence  int    `gorm:"not null"`
	Role      string `gorm:"size:16;not null"` // "user" or "assistant"
	UserName  string `gorm:"size:64"`
	Content   string `gorm:"type:mediumtext;not null"`
	CreatedAt time.Time
}
