package models

// ==================== Internal API DTOs ====================

// ProvisionRequest is sent by the bot to create a service instance
type ProvisionRequest struct {
	UserID     int64 `json:"user_id" binding:"required"`
	TelegramID int64 `json:"telegram_id"`

	// Identifier becomes the credential email on the server and must be unique per server
	Identifier string `json:"identifier" binding:"required"`

	// Plan parameters, PlanID is nil for trials
	PlanID       *int64  `json:"plan_id,omitempty"`
	DurationDays int     `json:"duration_days"`
	DataCapGB    float64 `json:"data_cap_gb"`
	Trial        bool    `json:"trial"`
}

// DeprovisionRequest removes a credential from a server
type DeprovisionRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	ServerID   int64  `json:"server_id" binding:"required"`
}

// DeprovisionResponse reports whether a credential was removed
type DeprovisionResponse struct {
	Removed bool   `json:"removed"`
	Message string `json:"message"`
}
