package mail

import "time"

// Provider kinds an account can be backed by.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// Account is a mailbox the user has connected. Each account owns exactly one
// collection and the derived state built from it.
type Account struct {
	Email        string     `json:"email"`
	Provider     string     `json:"provider"`
	DisplayName  string     `json:"display_name,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	ProfileImage string     `json:"profile_image,omitempty"`
}
