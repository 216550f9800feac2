package model

import (
	"fmt"
	"time"
)

// Author type constants
const (
	AuthorUser  = "user"
	AuthorModel = "model"
)

// Turn role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Prompt is one node of a conversation tree. Roots are human-authored;
// synthetic prompts are model completions of their parent.
type Prompt struct {
	ID                     string    `json:"id"`
	ParentID               *string   `json:"parent_id,omitempty"`
	Text                   string    `json:"text"`
	Language               string    `json:"language"`
	IsSynthetic            bool      `json:"is_synthetic"`
	AuthorType             string    `json:"author_type"`
	AuthorID               *string   `json:"author_id,omitempty"`
	ModelUsed              string    `json:"model_used,omitempty"`
	IsRevision             bool      `json:"is_revision"`
	RevisionOf             *string   `json:"revision_of,omitempty"`
	Postfix                string    `json:"postfix"`
	FlaggedForConversation bool      `json:"flagged_for_conversation"`
	CreatedAt              time.Time `json:"created_at"`
}

// Turn is one message of a linearized conversation as sent to a model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewHumanPrompt creates a human-authored prompt. parentID is nil for roots.
func NewHumanPrompt(id string, parentID *string, text, language, authorID string) Prompt {
	return Prompt{
		ID:         id,
		ParentID:   parentID,
		Text:       text,
		Language:   language,
		AuthorType: AuthorUser,
		AuthorID:   &authorID,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewCompletion creates a synthetic prompt holding a model completion of parent.
func NewCompletion(id string, parent *Prompt, text, postfix, modelUsed string) Prompt {
	parentID := parent.ID
	return Prompt{
		ID:          id,
		ParentID:    &parentID,
		Text:        text,
		Language:    parent.Language,
		IsSynthetic: true,
		AuthorType:  AuthorModel,
		ModelUsed:   modelUsed,
		Postfix:     postfix,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewRevision creates a human rewrite of the candidate revisedID. It hangs
// under the same parent as the candidate and is flagged for conversation.
func NewRevision(id string, parent *Prompt, revisedID, text, authorID string) Prompt {
	p := NewHumanPrompt(id, &parent.ID, text, parent.Language, authorID)
	p.IsRevision = true
	p.RevisionOf = &revisedID
	p.FlaggedForConversation = true
	return p
}

// Role returns the chat role this prompt plays when replayed to a model.
// Only synthetic prompts are assistant turns; human revisions are user turns.
func (p *Prompt) Role() string {
	if p.IsSynthetic {
		return RoleAssistant
	}
	return RoleUser
}

// IsAuthoredBy reports whether userID wrote this prompt.
func (p *Prompt) IsAuthoredBy(userID string) bool {
	return p.AuthorID != nil && *p.AuthorID == userID
}

// Validate checks the structural invariants of a prompt.
func (p *Prompt) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPrompt)
	}
	if p.IsSynthetic {
		if p.ParentID == nil {
			return fmt.Errorf("%w: synthetic prompt %s has no parent", ErrInvalidPrompt, p.ID)
		}
		if p.AuthorID != nil {
			return fmt.Errorf("%w: synthetic prompt %s has a human author", ErrInvalidPrompt, p.ID)
		}
	} else if p.AuthorID == nil {
		return fmt.Errorf("%w: human prompt %s has no author", ErrInvalidPrompt, p.ID)
	}
	if p.IsRevision != (p.RevisionOf != nil) {
		return fmt.Errorf("%w: revision_of must be set exactly when is_revision", ErrInvalidPrompt)
	}
	if p.IsRevision && p.ParentID == nil {
		return fmt.Errorf("%w: revision %s has no parent", ErrInvalidPrompt, p.ID)
	}
	return nil
}

// ConversationFilter selects which root conversations to list.
type ConversationFilter struct {
	// UserID limits the list to conversations the user took part in. Empty means all.
	UserID   string
	Language string
	Limit    int
}

// Reference is supporting material attached to a prompt and appended to the
// final user turn when generating completions.
type Reference struct {
	ID        string    `json:"id"`
	PromptID  string    `json:"prompt_id"`
	Link      string    `json:"link,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
