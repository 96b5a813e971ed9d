package dataset

import (
	"math"
	"time"
)

// DisplayLayout: формат времени в CSV и в табличном представлении.
const DisplayLayout = "02.01.2006 15:04:05"

// Sample описывает одно измерение температуры.
type Sample struct {
	Time    time.Time // всегда UTC
	Celsius float64
}

// Local возвращает время измерения в локальной зоне для отображения.
func (s Sample) Local() time.Time {
	return s.Time.In(time.Local)
}

// Stats содержит агрегаты набора данных.
// Min/Max/Average имеют смысл только при Defined=true (минимум две точки).
type Stats struct {
	Count   int     `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Defined bool    `json:"defined"`
}

// Accumulator считает сумму, минимум и максимум за один проход.
type Accumulator struct {
	count int
	sum   float64
	min   float64
	max   float64
}

// Add учитывает очередное значение.
func (a *Accumulator) Add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.count++
}

// Stats возвращает итоговые агрегаты. Среднее округляется до одного знака.
func (a *Accumulator) Stats() Stats {
	st := Stats{Count: a.count}
	if a.count < 2 {
		return st
	}
	st.Defined = true
	st.Min = a.min
	st.Max = a.max
	st.Average = math.Round(10*a.sum/float64(a.count)) / 10
	return st
}

// Dataset: упорядоченный (в порядке строк файла) набор измерений с агрегатами.
// После создания не изменяется.
type Dataset struct {
	samples []Sample
	stats   Stats
}

// New создаёт набор и вычисляет агрегаты.
func New(samples []Sample) Dataset {
	var acc Accumulator
	for _, s := range samples {
		acc.Add(s.Celsius)
	}
	return FromParts(samples, acc.Stats())
}

// FromParts собирает набор из уже посчитанных агрегатов (декодер считает их в том же проходе).
// Если stats.Count не совпадает с длиной, агрегаты пересчитываются.
func FromParts(samples []Sample, stats Stats) Dataset {
	cp := append([]Sample(nil), samples...)
	if stats.Count != len(cp) {
		var acc Accumulator
		for _, s := range cp {
			acc.Add(s.Celsius)
		}
		stats = acc.Stats()
	}
	return Dataset{samples: cp, stats: stats}
}

// Len возвращает количество измерений.
func (d Dataset) Len() int { return len(d.samples) }

// Stats возвращает агрегаты.
func (d Dataset) Stats() Stats { return d.stats }

// Samples возвращает измерения. Срез общий для всех читателей и не должен изменяться.
func (d Dataset) Samples() []Sample { return d.samples }

// At возвращает измерение по индексу.
func (d Dataset) At(i int) Sample { return d.samples[i] }
