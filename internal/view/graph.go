package view

import "github.com/pv/solar-templogger-go/internal/dataset"

// Point: точка на холсте; Y растёт вниз.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Marker: вертикальная линия выделения.
type Marker struct {
	Index int `json:"index"`
	X     int `json:"x"`
	Y0    int `json:"y0"`
	Y1    int `json:"y1"`
}

// Graph: геометрия графика для холста Width×Height.
type Graph struct {
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Points  []Point  `json:"points"`
	Markers []Marker `json:"markers"`
}

// Plot рассчитывает ломаную по замерам в порядке файла. Шаг по X:
// целое width/(n-1), остаток делится пополам как отступ слева. Если все
// значения равны, линия идёт по середине высоты. Меньше двух замеров дают
// пустой график. selected содержит индексы замеров для маркеров.
func Plot(samples []dataset.Sample, width, height int, selected []int) Graph {
	g := Graph{Width: width, Height: height}
	n := len(samples)
	if n < 2 || width <= 0 || height <= 0 {
		return g
	}

	minV, maxV := samples[0].Celsius, samples[0].Celsius
	for _, s := range samples[1:] {
		if s.Celsius < minV {
			minV = s.Celsius
		}
		if s.Celsius > maxV {
			maxV = s.Celsius
		}
	}
	g.Min, g.Max = minV, maxV

	deltaX := width / (n - 1)
	offsetX := (width % (n - 1)) / 2

	for _, idx := range selected {
		if idx < 0 || idx >= n {
			continue
		}
		g.Markers = append(g.Markers, Marker{Index: idx, X: offsetX + idx*deltaX, Y0: 0, Y1: height - 1})
	}

	span := maxV - minV
	g.Points = make([]Point, n)
	for i, s := range samples {
		y := height / 2
		if span != 0 {
			y = int(float64(height-1) - (s.Celsius-minV)*float64(height-1)/span)
		}
		g.Points[i] = Point{X: offsetX + i*deltaX, Y: y}
	}
	return g
}
