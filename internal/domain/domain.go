package domain

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Policy struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	ParentPolicyID *string             `json:"parent_policy_id,omitempty"`
	ParentForumID  *string             `json:"parent_forum_id,omitempty"`
	Rules          []string            `json:"rules,omitempty"`
	Stakeholders   []string            `json:"stakeholders,omitempty"`
	Permissions    map[string][]string `json:"permissions,omitempty"`
	CreatedBy      string              `json:"created_by"`
	Status         string              `json:"status" enum:"active,archived"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
}

type Forum struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	PolicyID            string   `json:"policy_id"`
	ConnectedPolicies   []string `json:"connected_policies,omitempty"`
	DynamicallyExpanded bool     `json:"dynamically_expanded"`
	Version             int64    `json:"version"`
	CreatedBy           string   `json:"created_by"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
}

type Membership struct {
	ForumID        string   `json:"forum_id"`
	UserID         string   `json:"user_id"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions"`
	AddedViaPolicy *string  `json:"added_via_policy,omitempty"`
	JoinedAt       string   `json:"joined_at" format:"date-time"`
}

type ServiceStatus struct {
	ForumID        string  `json:"forum_id"`
	ServiceName    string  `json:"service_name"`
	Status         string  `json:"status" enum:"available,pending,activated,completed,failed"`
	ActivatedBy    *string `json:"activated_by,omitempty"`
	ActivatedAt    *string `json:"activated_at,omitempty" format:"date-time"`
	AddedViaPolicy *string `json:"added_via_policy,omitempty"`
	ParametersJSON *string `json:"parameters_json,omitempty"`
	MetadataJSON   *string `json:"metadata_json,omitempty"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// ExpansionEvent is the append-only audit record of a forum gaining
// stakeholders, services, or sub-policies through rule execution.
type ExpansionEvent struct {
	ID              int64    `json:"id"`
	ForumID         string   `json:"forum_id"`
	NewStakeholders []string `json:"new_stakeholders,omitempty"`
	NewServices     []string `json:"new_services,omitempty"`
	NewPolicies     []string `json:"new_policies,omitempty"`
	TriggeredBy     string   `json:"triggered_by"`
	RuleText        string   `json:"rule_text"`
	RuleFingerprint string   `json:"rule_fingerprint"`
	TS              string   `json:"ts" format:"date-time"`
}

type Message struct {
	// Seq is the insertion order within the instance; transcripts sort
	// by it because second-resolution timestamps collide.
	Seq          int64   `json:"seq"`
	ID           string  `json:"id"`
	ForumID      string  `json:"forum_id"`
	SenderID     string  `json:"sender_id"`
	Content      string  `json:"content"`
	Type         string  `json:"type" enum:"chat,rule,system"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type PaymentIntent struct {
	ID          string  `json:"id"`
	ForumID     string  `json:"forum_id"`
	ServiceName string  `json:"service_name"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	PayerID     string  `json:"payer_id"`
	PayeeID     string  `json:"payee_id"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ForumID    string `json:"forum_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
