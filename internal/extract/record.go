// Package extract walks the paginated registration table and turns its rows
// into records.
package extract

import (
	"strings"

	"github.com/xkilldash9x/regscrape/internal/browser"
)

// Record field names, in table order.
const (
	FieldPhoneNumber         = "phone_number"
	FieldSubmittedDate       = "submitted_date"
	FieldSubmittedEmail      = "submitted_email"
	FieldRegistrationJobName = "registration_job_name"
	FieldBrandedCall         = "branded_call"
	FieldSpamLabeling        = "spam_labeling"
	FieldSpamCategory        = "spam_category"
	FieldRegistrationStatus  = "registration_status"
)

// Fields lists every record field in table order.
var Fields = []string{
	FieldPhoneNumber, FieldSubmittedDate, FieldSubmittedEmail, FieldRegistrationJobName,
	FieldBrandedCall, FieldSpamLabeling, FieldSpamCategory, FieldRegistrationStatus,
}

// Record is one table row keyed by field name.
type Record map[string]string

// minCells is the smallest row that carries every field but the status.
const minCells = 7

// cell positions; position 0 is the selection checkbox.
const (
	cellPhone = iota + 1
	cellSubmitted
	cellJobName
	cellBrandedCall
	cellSpamLabeling
	cellSpamCategory
	cellStatus
)

// ParseRow converts a row snapshot into a Record. ok is false for rows too
// short to be data.
func ParseRow(row browser.Row) (rec Record, ok bool) {
	cells := row.Cells
	if len(cells) < minCells {
		return nil, false
	}

	phone := cells[cellPhone].LinkText
	if phone == "" {
		phone = cells[cellPhone].Text
	}
	submitted := cells[cellSubmitted].Parts

	branded := cells[cellBrandedCall].IconTitle
	if branded == "" {
		branded = cells[cellBrandedCall].Text
	}

	status := ""
	if len(cells) > cellStatus {
		status = cells[cellStatus].Text
	}

	return Record{
		FieldPhoneNumber:         clean(phone),
		FieldSubmittedDate:       clean(part(submitted, 0)),
		FieldSubmittedEmail:      clean(part(submitted, 1)),
		FieldRegistrationJobName: clean(cells[cellJobName].Text),
		FieldBrandedCall:         clean(branded),
		FieldSpamLabeling:        clean(cells[cellSpamLabeling].Text),
		FieldSpamCategory:        clean(cells[cellSpamCategory].Text),
		FieldRegistrationStatus:  clean(status),
	}, true
}

func part(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

func clean(s string) string {
	return strings.TrimSpace(s)
}
