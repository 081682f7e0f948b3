package market

import "time"

// Gap is a contiguous run of missing slots between two present rows.
type Gap struct {
	Start        time.Time `json:"start_time"`
	End          time.Time `json:"end_time"`
	ExpectedRows int       `json:"expected_rows"`
}
