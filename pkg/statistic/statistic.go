package statistic

import (
	"errors"
	"time"
)

var errNoData = errors.New("no data points available")

// DataPoint is a single latency sample.
type DataPoint struct {
	Timestamp time.Time
	Value     float64
}

// Statistic holds a series of samples in insertion order (oldest first).
type Statistic struct {
	Data []DataPoint
}

// NewStatistics returns an empty series.
func NewStatistics() *Statistic {
	return &Statistic{Data: make([]DataPoint, 0)}
}

// FromValues builds a series from values ordered most recent first, the
// order the metrics store returns them in.
func FromValues(recentFirst []float64) *Statistic {
	s := &Statistic{Data: make([]DataPoint, 0, len(recentFirst))}
	for i := len(recentFirst) - 1; i >= 0; i-- {
		s.Add(time.Time{}, recentFirst[i])
	}
	return s
}

// Add appends a new data point to the series.
func (s *Statistic) Add(ts time.Time, value float64) {
	s.Data = append(s.Data, DataPoint{Timestamp: ts, Value: value})
}

// Len returns the number of samples.
func (s *Statistic) Len() int {
	return len(s.Data)
}

func (s *Statistic) sum() float64 {
	var sum float64
	for _, dp := range s.Data {
		sum += dp.Value
	}
	return sum
}

// Average returns the mean of all samples.
func (s *Statistic) Average() (float64, error) {
	if len(s.Data) == 0 {
		return 0, errNoData
	}
	return s.sum() / float64(len(s.Data)), nil
}

// MovingAverage returns the rolling mean over windowSize samples, aligned
// with Data. Leading entries average over the samples available so far.
func (s *Statistic) MovingAverage(windowSize int) ([]float64, error) {
	if windowSize <= 0 {
		return nil, errors.New("window size must be greater than 0")
	}
	result := make([]float64, 0, len(s.Data))
	for i := range s.Data {
		start := i - windowSize + 1
		if start < 0 {
			start = 0
		}
		var sum float64
		for j := start; j <= i; j++ {
			sum += s.Data[j].Value
		}
		result = append(result, sum/float64(i-start+1))
	}
	return result, nil
}

// LatestMovingAverage returns the last element of MovingAverage.
func (s *Statistic) LatestMovingAverage(windowSize int) (float64, error) {
	if len(s.Data) == 0 {
		return 0, errNoData
	}
	avgs, err := s.MovingAverage(windowSize)
	if err != nil {
		return 0, err
	}
	return avgs[len(avgs)-1], nil
}

// Min returns the minimum value in the data set.
func (s *Statistic) Min() (float64, error) {
	if len(s.Data) == 0 {
		return 0, errNoData
	}
	min := s.Data[0].Value
	for _, dp := range s.Data {
		if dp.Value < min {
			min = dp.Value
		}
	}
	return min, nil
}

// Max returns the maximum value in the data set.
func (s *Statistic) Max() (float64, error) {
	if len(s.Data) == 0 {
		return 0, errNoData
	}
	max := s.Data[0].Value
	for _, dp := range s.Data {
		if dp.Value > max {
			max = dp.Value
		}
	}
	return max, nil
}
