// Package view строит табличное и графическое представление набора.
package view

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pv/solar-templogger-go/internal/dataset"
)

// Column: столбец таблицы.
type Column int

const (
	// ColumnFile: без сортировки, строки идут в порядке файла.
	ColumnFile Column = iota
	ColumnTime
	ColumnValue
)

func (c Column) String() string {
	switch c {
	case ColumnFile:
		return "file"
	case ColumnTime:
		return "time"
	case ColumnValue:
		return "value"
	default:
		return fmt.Sprintf("column(%d)", int(c))
	}
}

// ParseColumn разбирает имя столбца из запроса.
func ParseColumn(s string) (Column, error) {
	switch s {
	case "", "file":
		return ColumnFile, nil
	case "time":
		return ColumnTime, nil
	case "value":
		return ColumnValue, nil
	default:
		return 0, fmt.Errorf("view: unknown column %q", s)
	}
}

// Order: порядок сортировки таблицы.
type Order struct {
	Column    Column
	Ascending bool
}

// DefaultOrder: порядок файла.
var DefaultOrder = Order{Column: ColumnFile, Ascending: true}

// Toggle возвращает порядок после щелчка по заголовку column: тот же
// столбец меняет направление, другой столбец сортируется по возрастанию.
func (o Order) Toggle(column Column) Order {
	if o.Column == column {
		return Order{Column: column, Ascending: !o.Ascending}
	}
	return Order{Column: column, Ascending: true}
}

// Row: строка таблицы.
type Row struct {
	// Index: позиция замера в файле.
	Index int     `json:"index"`
	Time  string  `json:"time"`
	Value string  `json:"value"`
	UTC   string  `json:"utc"`
	Raw   float64 `json:"celsius"`
}

// Table строит строки в порядке order. Время показывается в loc (nil означает time.Local).
// Строки с равным ключом остаются в порядке файла.
func Table(samples []dataset.Sample, order Order, loc *time.Location) []Row {
	if loc == nil {
		loc = time.Local
	}
	rows := make([]Row, len(samples))
	for i, s := range samples {
		rows[i] = Row{
			Index: i,
			Time:  s.Time.In(loc).Format(dataset.DisplayLayout),
			Value: strconv.FormatFloat(s.Celsius, 'f', -1, 64),
			UTC:   s.Time.UTC().Format(time.RFC3339),
			Raw:   s.Celsius,
		}
	}
	compare := func(a, b Row) int {
		switch order.Column {
		case ColumnValue:
			return cmpFloat(a.Raw, b.Raw)
		case ColumnTime:
			return samples[a.Index].Time.Compare(samples[b.Index].Time)
		default:
			return a.Index - b.Index
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compare(rows[i], rows[j])
		if order.Ascending {
			return c < 0
		}
		return c > 0
	})
	return rows
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
