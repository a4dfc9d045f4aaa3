package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/labportal/labportal/internal/domain/result"
)

// ErrNoItems is returned when a patient's upload has no row with an item name.
var ErrNoItems = errors.New("upload contains no test items")

type DirectWriter interface {
	WriteDirect(ctx context.Context, patientID uuid.UUID, observedDate time.Time, items result.Items, sourceFileName, notes string) (*result.TestResult, error)
}

// DirectImporter stores a patient's own upload as one test result with all
// rows merged into its item map.
type DirectImporter struct {
	writer DirectWriter
	loc    *time.Location
	now    func() time.Time
}

func NewDirectImporter(writer DirectWriter, loc *time.Location) *DirectImporter {
	if loc == nil {
		loc = time.UTC
	}
	return &DirectImporter{writer: writer, loc: loc, now: time.Now}
}

// Import parses the file and stores its items for patientID. testDate may be
// empty, in which case the result is dated today.
func (d *DirectImporter) Import(ctx context.Context, patientID uuid.UUID, fileName string, data []byte, testDate, notes string) (*result.TestResult, error) {
	table, err := Parse(fileName, data)
	if err != nil {
		return nil, err
	}

	items := GroupItems(table.Rows)
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	observed := d.now().In(d.loc)
	if testDate != "" {
		if observed, err = parseDate(testDate); err != nil {
			return nil, err
		}
	}
	return d.writer.WriteDirect(ctx, patientID, observed, items, fileName, notes)
}
