package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/labportal/labportal/internal/domain/result"
)

// Column aliases per logical field, in precedence order.
var (
	emailColumns        = []string{"患者メール", "patient_email", "email"}
	nameColumns         = []string{"患者名", "patient_name", "name"}
	itemNameColumns     = []string{"項目名", "item_name"}
	valueColumns        = []string{"結果値", "value"}
	unitColumns         = []string{"単位", "unit"}
	referenceMinColumns = []string{"基準値下限", "reference_min"}
	referenceMaxColumns = []string{"基準値上限", "reference_max"}
	testDateColumns     = []string{"検査日", "test_date"}

	// A patient's own upload has no patient columns, so "name" names the item.
	directItemNameColumns = []string{"項目名", "item_name", "name"}
)

var dateLayouts = []string{
	result.DateLayout,
	"2006/01/02",
	"2006/1/2",
	"2006-1-2",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

type ValidationKind int

const (
	EmptyRow ValidationKind = iota + 1
	InvalidDate
)

func (k ValidationKind) String() string {
	switch k {
	case EmptyRow:
		return "EmptyRow"
	case InvalidDate:
		return "InvalidDate"
	default:
		return fmt.Sprintf("ValidationKind(%d)", int(k))
	}
}

// ValidationError is a row whose content cannot become a test result.
type ValidationError struct {
	Kind  ValidationKind
	Value string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case EmptyRow:
		return "item name is required"
	case InvalidDate:
		return fmt.Sprintf("invalid test date %q", e.Value)
	default:
		return e.Kind.String()
	}
}

// NormalizedRow is a data row in canonical form.
type NormalizedRow struct {
	Email        string
	Name         string
	ObservedDate time.Time
	Items        result.Items
}

// lookup returns the first non-empty cell among aliases.
func lookup(cells map[string]string, aliases []string) string {
	for _, a := range aliases {
		if v := strings.TrimSpace(cells[a]); v != "" {
			return v
		}
	}
	return ""
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, &ValidationError{Kind: InvalidDate, Value: s}
}

func itemFrom(cells map[string]string, nameAliases []string) (string, result.ItemValue, bool) {
	name := lookup(cells, nameAliases)
	if name == "" {
		return "", result.ItemValue{}, false
	}
	return name, result.ItemValue{
		Value:        lookup(cells, valueColumns),
		Unit:         lookup(cells, unitColumns),
		ReferenceMin: lookup(cells, referenceMinColumns),
		ReferenceMax: lookup(cells, referenceMaxColumns),
	}, true
}

// Normalize maps one batch row to canonical form. Values pass through as
// trimmed strings. A row without a test date is dated today.
func Normalize(cells map[string]string, today time.Time) (*NormalizedRow, error) {
	name, item, ok := itemFrom(cells, itemNameColumns)
	if !ok {
		return nil, &ValidationError{Kind: EmptyRow}
	}

	observed := today
	if raw := lookup(cells, testDateColumns); raw != "" {
		d, err := parseDate(raw)
		if err != nil {
			return nil, err
		}
		observed = d
	}

	return &NormalizedRow{
		Email:        lookup(cells, emailColumns),
		Name:         lookup(cells, nameColumns),
		ObservedDate: observed,
		Items:        result.Items{name: item},
	}, nil
}

// GroupItems merges the rows of a patient's own upload into one item map.
// Rows without an item name are skipped; a repeated item name keeps the
// last row's reading.
func GroupItems(rows []Row) result.Items {
	items := result.Items{}
	for _, row := range rows {
		if name, item, ok := itemFrom(row.Cells, directItemNameColumns); ok {
			items[name] = item
		}
	}
	return items
}
