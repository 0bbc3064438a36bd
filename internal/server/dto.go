package server

import (
	"eleutherios/internal/domain"
	"eleutherios/internal/engine"
)

// Request payloads

type CreatePolicyRequest struct {
	ID           string              `json:"id,omitempty"`
	Name         string              `json:"name"`
	Description  *string             `json:"description,omitempty"`
	Stakeholders []string            `json:"stakeholders,omitempty"`
	Permissions  map[string][]string `json:"permissions,omitempty"`
}

type CreateForumRequest struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	PolicyID string   `json:"policy_id,omitempty"`
	Services []string `json:"services,omitempty"`
}

type AddParticipantRequest struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role,omitempty" enum:"stakeholder,moderator,owner"`
	Permissions []string `json:"permissions,omitempty"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type ExecuteRuleRequest struct {
	Rule string `json:"rule"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type PostMessageResponse struct {
	Message     domain.Message          `json:"message"`
	Execution   *engine.ExecutionResult `json:"execution,omitempty"`
	ParseErrors []string                `json:"parse_errors,omitempty"`
}

type MessagePage struct {
	Items      []domain.Message `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext secret, present only at creation time.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Key:       plaintext,
	}
}

func postMessageResponse(res engine.PostResult) PostMessageResponse {
	return PostMessageResponse{
		Message:     res.Message,
		Execution:   res.Execution,
		ParseErrors: res.ParseErrors,
	}
}
