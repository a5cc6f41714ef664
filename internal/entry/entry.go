// Package entry defines the time-entry payload carried through the sync core.
// The queue, the reconciler and the broadcast hub treat it as an opaque
// structured record; only the central store interprets individual fields.
package entry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is one logged unit of work. Field names follow the central
// entries schema. Unknown JSON fields are ignored on decode so records
// buffered by an older version stay readable after an upgrade.
type Payload struct {
	UserID        int64  `json:"user_id"`
	CourtierID    int64  `json:"courtier_id"`
	Minutes       int    `json:"minutes"`
	ActeType      string `json:"acte_type,omitempty"`
	ActeDeGestion string `json:"acte_de_gestion,omitempty"`
	Dossier       string `json:"dossier,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	Description   string `json:"description,omitempty"`
	EntryDate     string `json:"entry_date,omitempty"` // YYYY-MM-DD, capture date
	EntryTime     string `json:"entry_time,omitempty"` // HH:MM:SS, capture time
}

// Validate checks the fields the central store will reject anyway,
// so malformed submissions fail before they are buffered.
func (p Payload) Validate() error {
	if p.UserID <= 0 {
		return fmt.Errorf("entry payload: user_id must be positive, got %d", p.UserID)
	}
	if p.CourtierID <= 0 {
		return fmt.Errorf("entry payload: courtier_id must be positive, got %d", p.CourtierID)
	}
	if p.Minutes <= 0 {
		return fmt.Errorf("entry payload: minutes must be positive, got %d", p.Minutes)
	}
	if p.EntryDate != "" {
		if _, err := time.Parse("2006-01-02", p.EntryDate); err != nil {
			return fmt.Errorf("entry payload: invalid entry_date %q: %w", p.EntryDate, err)
		}
	}
	if p.EntryTime != "" {
		if _, err := time.Parse("15:04:05", p.EntryTime); err != nil {
			return fmt.Errorf("entry payload: invalid entry_time %q: %w", p.EntryTime, err)
		}
	}
	return nil
}

// Date returns the entry date, defaulting to today when not supplied.
func (p Payload) Date() time.Time {
	if p.EntryDate != "" {
		if d, err := time.Parse("2006-01-02", p.EntryDate); err == nil {
			return d
		}
	}
	return time.Now()
}

// Period returns the YYYYMM accounting period derived from the entry date.
func (p Payload) Period() string {
	return p.Date().Format("200601")
}

// Marshal encodes the payload for queue storage.
func (p Payload) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry payload: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a payload stored by this or an older version.
func Unmarshal(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to unmarshal entry payload: %w", err)
	}
	return p, nil
}
