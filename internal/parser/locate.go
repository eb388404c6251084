package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TableNotFoundError reports that a page has no table with the expected cols attribute.
type TableNotFoundError struct {
	Columns int
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("no table with %d columns on page", e.Columns)
}

// LocateTable returns the first table, in document order, whose cols attribute equals columns.
func LocateTable(doc *goquery.Document, columns int) (*goquery.Selection, error) {
	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if declaredColumns(table) == columns {
			found = table
			return false
		}
		return true
	})
	if found == nil {
		return nil, &TableNotFoundError{Columns: columns}
	}
	return found, nil
}

func declaredColumns(table *goquery.Selection) int {
	raw, ok := table.Attr("cols")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}
