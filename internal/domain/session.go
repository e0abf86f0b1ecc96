package domain

import "time"

// NewSessionKey is the sentinel a client sends when it has no session yet.
const NewSessionKey = "new_session"

// RequestType is what the user asked the assistant to help with.
type RequestType string

const (
	RequestUnknown           RequestType = ""
	RequestBetterOffers      RequestType = "better_offers"
	RequestPriceOptimization RequestType = "price_optimization"
	RequestAnalytics         RequestType = "analytics"
	RequestGeneral           RequestType = "general"
)

// Label returns a human-readable description of the request.
func (r RequestType) Label() string {
	switch r {
	case RequestBetterOffers:
		return "better offers"
	case RequestPriceOptimization:
		return "price optimization"
	case RequestAnalytics:
		return "analytics and recommendations"
	case RequestGeneral:
		return "general advice"
	}
	return ""
}

// UserData holds the answers captured during the scripted dialogue.
type UserData struct {
	Mood         string      `json:"mood,omitempty"`
	CompanyName  string      `json:"company_name,omitempty"`
	CompanyBrief string      `json:"company_brief,omitempty"`
	Request      RequestType `json:"request,omitempty"`
	DatasetName  string      `json:"dataset_name,omitempty"`
	// DatasetDigest is a bounded excerpt of the uploaded file that grounds
	// free-form replies.
	DatasetDigest string `json:"dataset_digest,omitempty"`
}

// SessionState is the mutable per-session controller state.
type SessionState struct {
	Key       string    `json:"key"`
	Step      int       `json:"step"`
	UserData  UserData  `json:"user_data"`
	UpdatedAt time.Time `json:"updated_at"`
}
