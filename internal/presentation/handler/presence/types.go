package presence

// presenceResponse reports the tracked state for one user
type presenceResponse struct {
	UserID   string `json:"userId"`
	State    string `json:"state" example:"online" enum:"online,away,offline"`
	LastSeen string `json:"lastSeen,omitempty" example:"2024-01-01T12:00:00Z"` // Only set once the user has gone offline at least once
}
