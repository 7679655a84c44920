package dto

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"health-assistant-be/pkg/rag/engine"
)

var validate = validator.New()

// AskRequest is the inbound payload for one chat turn. The transport
// layer (HTTP, CLI, queue consumer) maps into this and hands it to the
// engine untouched.
type AskRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	SessionID string `json:"session_id"`
	Message   string `json:"message" validate:"required,min=1,max=4000"`

	ShortTermMemoryEnabled bool `json:"short_term_memory_enabled"`
	LongTermMemoryEnabled  bool `json:"long_term_memory_enabled"`

	DatasourceIDs  []string `json:"datasource_ids" validate:"omitempty,dive,min=1"`
	EnabledToolIDs []string `json:"enabled_tool_ids"`
}

// Normalize trims the message and assigns a session id when the client
// did not send one.
func (r *AskRequest) Normalize() {
	r.Message = strings.TrimSpace(r.Message)
	if strings.TrimSpace(r.SessionID) == "" {
		r.SessionID = uuid.NewString()
	}
}

func (r *AskRequest) Validate() error {
	return validate.Struct(r)
}

// ToEngine maps the DTO onto the engine's request type.
func (r *AskRequest) ToEngine() engine.AskRequest {
	return engine.AskRequest{
		UserID:          r.UserID,
		SessionID:       r.SessionID,
		Message:         r.Message,
		ShortTermMemory: r.ShortTermMemoryEnabled,
		LongTermMemory:  r.LongTermMemoryEnabled,
		DatasourceIDs:   r.DatasourceIDs,
		EnabledToolIDs:  r.EnabledToolIDs,
	}
}

// AskResponse is the outbound payload for one finished turn.
type AskResponse struct {
	SessionID  string   `json:"session_id"`
	Answer     string   `json:"answer"`
	References []string `json:"references"`
	FollowUps  []string `json:"follow_ups,omitempty"`

	MatchedTableImages       []string `json:"matched_table_images,omitempty"`
	MatchedEducationalImages []string `json:"matched_educational_images,omitempty"`

	QueryType  string `json:"query_type"`
	Iterations int    `json:"iterations"`
}

func NewAskResponse(sessionID string, res *engine.AskResult) *AskResponse {
	return &AskResponse{
		SessionID:                sessionID,
		Answer:                   res.Answer,
		References:               res.References,
		FollowUps:                res.FollowUps,
		MatchedTableImages:       res.MatchedTableImages,
		MatchedEducationalImages: res.MatchedEducationalImages,
		QueryType:                string(res.QueryType),
		Iterations:               res.Iterations,
	}
}
