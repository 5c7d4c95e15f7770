package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PersonStatus represents the contact status of a person
type PersonStatus string

const (
	PersonStatusActive   PersonStatus = "active"
	PersonStatusInactive PersonStatus = "inactive"
	PersonStatusBlocked  PersonStatus = "blocked"
	PersonStatusSpam     PersonStatus = "spam"
)

// String returns the string representation of the status
func (s PersonStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s PersonStatus) Valid() bool {
	switch s {
	case PersonStatusActive, PersonStatusInactive, PersonStatusBlocked, PersonStatusSpam:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for PersonStatus
func (s *PersonStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = PersonStatus(v)
	case []byte:
		*s = PersonStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into PersonStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for PersonStatus
func (s PersonStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid PersonStatus: %s", s)
	}
	return string(s), nil
}

// Person is a contact identity owned by the tenant-management system. The
// pipeline only ever reads persons; it never creates or mutates them.
type Person struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	InboxID   uint64 `gorm:"not null;index:idx_persons_inbox_id" json:"inbox_id"`
	CellPhone string `gorm:"column:cell_phone;size:20;not null" json:"cell_phone"`

	FirstName *string `gorm:"size:255" json:"first_name,omitempty"`
	LastName  *string `gorm:"size:255" json:"last_name,omitempty"`

	Status PersonStatus `gorm:"type:person_status;not null;default:'active';index:idx_persons_status" json:"status"`

	OptIn      bool       `gorm:"not null;default:true" json:"opt_in"`
	OptInDate  *time.Time `json:"opt_in_date,omitempty"`
	OptOutDate *time.Time `json:"opt_out_date,omitempty"`

	Tags pq.StringArray `gorm:"type:text[]" json:"tags,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

// TableName returns the table name for the model
func (Person) TableName() string {
	return "persons"
}

// IsSendable reports whether a person may receive broadcast messages: opted
// in and neither blocked nor flagged as spam. Checked at resolution time and
// again at dispatch time, since consent can be withdrawn mid-campaign.
func IsSendable(p Person) bool {
	return p.OptIn && p.Status != PersonStatusBlocked && p.Status != PersonStatusSpam
}

// DisplayName returns a human-readable name for reports
func DisplayName(p Person) string {
	switch {
	case p.FirstName != nil && p.LastName != nil:
		return *p.FirstName + " " + *p.LastName
	case p.FirstName != nil:
		return *p.FirstName
	case p.LastName != nil:
		return *p.LastName
	default:
		return p.CellPhone
	}
}

// PersonFilter represents read-only lookup criteria for persons
type PersonFilter struct {
	ID      *uint
	InboxID *uint64
	Status  *PersonStatus
	OptIn   *bool
	Tags    []string
	Phone   *string
}
