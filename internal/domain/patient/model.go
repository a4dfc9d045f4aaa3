package patient

import (
	"time"

	"github.com/google/uuid"
)

// PlaceholderName is stored for auto-provisioned patients whose upload row
// carried no name.
const PlaceholderName = "名前未設定"

type Patient struct {
	ID                    uuid.UUID  `json:"id"`
	Email                 string     `json:"email"`
	Name                  string     `json:"name"`
	PasswordHash          string     `json:"-"`
	PasswordResetRequired bool       `json:"password_reset_required"`
	DateOfBirth           *time.Time `json:"date_of_birth,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Summary is a patient as seen by one organization's staff: only the
// results that organization uploaded are counted.
type Summary struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	ResultCount  int        `json:"result_count"`
	LastObserved *time.Time `json:"last_observed_date,omitempty"`
}
