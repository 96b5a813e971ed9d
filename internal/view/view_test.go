package view

import (
	"reflect"
	"testing"
	"time"

	"github.com/pv/solar-templogger-go/internal/dataset"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func samples(values ...float64) []dataset.Sample {
	out := make([]dataset.Sample, len(values))
	for i, v := range values {
		out[i] = dataset.Sample{Time: base.Add(time.Duration(i) * time.Minute), Celsius: v}
	}
	return out
}

func indexes(rows []Row) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.Index
	}
	return out
}

func TestOrderToggle(t *testing.T) {
	o := DefaultOrder
	o = o.Toggle(ColumnTime)
	if o != (Order{ColumnTime, true}) {
		t.Fatalf("first click on time must sort ascending: %+v", o)
	}
	o = o.Toggle(ColumnTime)
	if o != (Order{ColumnTime, false}) {
		t.Fatalf("same column must flip direction: %+v", o)
	}
	o = o.Toggle(ColumnValue)
	if o != (Order{ColumnValue, true}) {
		t.Fatalf("new column must start ascending: %+v", o)
	}
	o = o.Toggle(ColumnValue)
	if o != (Order{ColumnValue, false}) {
		t.Fatalf("unexpected order: %+v", o)
	}
}

func TestTableSorting(t *testing.T) {
	data := samples(20, 10, 30, 10)
	// Файл не обязан быть хронологическим.
	data[0].Time, data[1].Time = data[1].Time, data[0].Time

	tests := []struct {
		order Order
		want  []int
	}{
		{DefaultOrder, []int{0, 1, 2, 3}},
		{Order{ColumnFile, false}, []int{3, 2, 1, 0}},
		{Order{ColumnTime, true}, []int{1, 0, 2, 3}},
		{Order{ColumnTime, false}, []int{3, 2, 0, 1}},
		{Order{ColumnValue, true}, []int{1, 3, 0, 2}},
		{Order{ColumnValue, false}, []int{2, 0, 1, 3}},
	}
	for _, tt := range tests {
		if got := indexes(Table(data, tt.order, time.UTC)); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Table(%s asc=%v) = %v, want %v", tt.order.Column, tt.order.Ascending, got, tt.want)
		}
	}
}

func TestTableDefaultKeepsFileOrder(t *testing.T) {
	data := samples(1, 2, 3)
	data[0].Time, data[2].Time = data[2].Time, data[0].Time
	if got := indexes(Table(data, DefaultOrder, time.UTC)); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("default order = %v, want file order", got)
	}
	if got := indexes(Table(data, Order{}, time.UTC)); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("zero order = %v, want file order", got)
	}
}

func TestTableFormatting(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	rows := Table([]dataset.Sample{{Time: base, Celsius: 21.25}}, DefaultOrder, loc)
	want := Row{Index: 0, Time: "01.06.2024 12:00:00", Value: "21.25", UTC: "2024-06-01T10:00:00Z", Raw: 21.25}
	if rows[0] != want {
		t.Fatalf("row = %+v, want %+v", rows[0], want)
	}
}

func TestParseColumn(t *testing.T) {
	if c, err := ParseColumn("value"); err != nil || c != ColumnValue {
		t.Fatalf("ParseColumn(value) = %v, %v", c, err)
	}
	if c, err := ParseColumn(""); err != nil || c != ColumnFile {
		t.Fatalf("ParseColumn('') = %v, %v", c, err)
	}
	if c, err := ParseColumn("time"); err != nil || c != ColumnTime {
		t.Fatalf("ParseColumn(time) = %v, %v", c, err)
	}
	if _, err := ParseColumn("humidity"); err == nil {
		t.Fatalf("expected error for unknown column")
	}
}

func TestPlotGeometry(t *testing.T) {
	g := Plot(samples(10, 20, 30), 101, 11, []int{2, 5, -1})
	// deltaX = 101/2 = 50, offsetX = (101%2)/2 = 0
	wantPoints := []Point{{0, 10}, {50, 5}, {100, 0}}
	if !reflect.DeepEqual(g.Points, wantPoints) {
		t.Fatalf("points = %v, want %v", g.Points, wantPoints)
	}
	if len(g.Markers) != 1 || g.Markers[0] != (Marker{Index: 2, X: 100, Y0: 0, Y1: 10}) {
		t.Fatalf("markers = %+v", g.Markers)
	}
	if g.Min != 10 || g.Max != 30 {
		t.Fatalf("min/max = %v/%v", g.Min, g.Max)
	}
}

func TestPlotOffsetAndFlatLine(t *testing.T) {
	g := Plot(samples(5, 5, 5, 5), 100, 40, nil)
	// deltaX = 100/3 = 33, offsetX = (100%3)/2 = 0
	for i, p := range g.Points {
		if p.Y != 20 || p.X != i*33 {
			t.Fatalf("point %d = %+v", i, p)
		}
	}
	g = Plot(samples(1, 2, 3), 11, 5, nil)
	// deltaX = 11/2 = 5, offsetX = (11%2)/2 = 0
	g2 := Plot(samples(1, 2, 3, 4, 5), 14, 5, nil)
	// deltaX = 14/4 = 3, offsetX = (14%4)/2 = 1
	if g2.Points[0].X != 1 || g2.Points[4].X != 13 {
		t.Fatalf("offset not applied: %+v", g2.Points)
	}
	if g.Points[2].X != 10 {
		t.Fatalf("unexpected last x: %+v", g.Points)
	}
}

func TestPlotTooFewSamples(t *testing.T) {
	if g := Plot(samples(1), 100, 100, []int{0}); g.Points != nil || g.Markers != nil {
		t.Fatalf("single sample must give an empty graph: %+v", g)
	}
	if g := Plot(samples(1, 2), 0, 100, nil); g.Points != nil {
		t.Fatalf("zero width must give an empty graph")
	}
}
