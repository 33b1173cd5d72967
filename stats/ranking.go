// Package stats turns raw employee and grouping records into ranking
// distributions and rolled-up statistics. Everything here is pure: no I/O,
// no shared state, and identical inputs always produce identical outputs.
package stats

import (
	"fmt"
	"math"
)

// Bucket is a ranking band derived from a task completion rate.
type Bucket int

const (
	Excellent Bucket = iota
	Good
	Average
	Poor
	Fail
)

// NumBuckets is the number of ranking bands.
const NumBuckets = 5

// Completion rate thresholds, in percent. Fixed policy.
const (
	ThresholdExcellent = 100.0
	ThresholdGood      = 95.0
	ThresholdAverage   = 90.0
	ThresholdPoor      = 85.0
)

var bucketNames = [NumBuckets]string{"excellent", "good", "average", "poor", "fail"}

func (b Bucket) String() string {
	if b < 0 || int(b) >= NumBuckets {
		return fmt.Sprintf("bucket(%d)", int(b))
	}
	return bucketNames[b]
}

func (b Bucket) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *Bucket) UnmarshalText(text []byte) error {
	for i, n := range bucketNames {
		if n == string(text) {
			*b = Bucket(i)
			return nil
		}
	}
	return fmt.Errorf("stats: unknown bucket %q", text)
}

// Classify maps a completion rate (0..100) to its ranking bucket. Only an
// exact 100 is Excellent; a rate above 100 is not a valid completion and
// ranks Good. NaN falls through every comparison and lands in Fail.
func Classify(rate float64) Bucket {
	switch {
	case rate == ThresholdExcellent:
		return Excellent
	case rate >= ThresholdGood:
		return Good
	case rate >= ThresholdAverage:
		return Average
	case rate >= ThresholdPoor:
		return Poor
	default:
		return Fail
	}
}

// BucketCount is one band of a Distribution.
type BucketCount struct {
	Bucket     Bucket `json:"bucket"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

// Distribution holds per-bucket counts and rounded percentages.
// Counts always sum to Total. With Total == 0 every field is zero.
type Distribution struct {
	Total   int                     `json:"total"`
	Buckets [NumBuckets]BucketCount `json:"buckets"`
}

func (d Distribution) Count(b Bucket) int {
	if b < 0 || int(b) >= NumBuckets {
		return 0
	}
	return d.Buckets[b].Count
}

func (d Distribution) Percentage(b Bucket) int {
	if b < 0 || int(b) >= NumBuckets {
		return 0
	}
	return d.Buckets[b].Percentage
}

// Aggregate classifies every employee by TaskCompletionRate.
// The result does not depend on input order.
func Aggregate(employees []EmployeeRecord) Distribution {
	var d Distribution
	for i := range d.Buckets {
		d.Buckets[i].Bucket = Bucket(i)
	}
	for _, e := range employees {
		d.Buckets[Classify(e.TaskCompletionRate)].Count++
	}
	d.Total = len(employees)
	if d.Total == 0 {
		return d
	}
	for i := range d.Buckets {
		d.Buckets[i].Percentage = percent(d.Buckets[i].Count, d.Total)
	}
	return d
}

// percent returns round(part/whole*100), or 0 when whole is 0.
func percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(whole) * 100))
}
