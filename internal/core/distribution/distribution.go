// Package distribution implements the bucketed-histogram type carried by
// distribution-valued metrics: exponential, linear, and explicit bucket
// schemes, running count/mean/min/max/sum-of-squared-deviation via Welford's
// online algorithm, and a merge operator for combining two distributions
// accumulated on the same scheme.
package distribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/eugener/sentinel/internal/core/errs"
)

// Scheme identifies which bucket layout a Distribution uses.
type Scheme int

const (
	Exponential Scheme = iota
	Linear
	Explicit
)

// Distribution is a streaming histogram plus running moments. BucketCounts
// has length N+2 for exponential/linear (underflow bucket 0, N interior
// buckets, overflow bucket N+1) or len(Bounds)+1 for explicit.
type Distribution struct {
	Scheme Scheme

	// Exponential
	NumBuckets   int
	GrowthFactor float64
	Scale        float64

	// Linear
	Width  float64
	Offset float64

	// Explicit
	Bounds []float64

	BucketCounts []int64

	Count               int64
	Mean                float64
	Min                 float64
	Max                 float64
	SumOfSquaredDeviation float64
}

// CreateExponential builds an empty exponential-scheme distribution with N
// interior buckets. Fails with errs.ErrArgument if growth<=1, scale<=0, or
// N<=0.
func CreateExponential(n int, growth, scale float64) (*Distribution, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: exponential distribution requires N>0, got %d", errs.ErrArgument, n)
	}
	if growth <= 1 {
		return nil, fmt.Errorf("%w: exponential distribution requires growth>1, got %v", errs.ErrArgument, growth)
	}
	if scale <= 0 {
		return nil, fmt.Errorf("%w: exponential distribution requires scale>0, got %v", errs.ErrArgument, scale)
	}
	return &Distribution{
		Scheme:       Exponential,
		NumBuckets:   n,
		GrowthFactor: growth,
		Scale:        scale,
		BucketCounts: make([]int64, n+2),
		Min:          math.Inf(1),
		Max:          math.Inf(-1),
	}, nil
}

// CreateLinear builds an empty linear-scheme distribution with N interior
// buckets of the given width starting at offset. Fails with
// errs.ErrArgument if width<=0 or N<=0.
func CreateLinear(n int, width, offset float64) (*Distribution, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: linear distribution requires N>0, got %d", errs.ErrArgument, n)
	}
	if width <= 0 {
		return nil, fmt.Errorf("%w: linear distribution requires width>0, got %v", errs.ErrArgument, width)
	}
	return &Distribution{
		Scheme:       Linear,
		NumBuckets:   n,
		Width:        width,
		Offset:       offset,
		BucketCounts: make([]int64, n+2),
		Min:          math.Inf(1),
		Max:          math.Inf(-1),
	}, nil
}

// CreateExplicit builds an empty explicit-scheme distribution. bounds is
// sorted and de-duplicated before storage.
func CreateExplicit(bounds []float64) (*Distribution, error) {
	if len(bounds) == 0 {
		return nil, fmt.Errorf("%w: explicit distribution requires at least one bound", errs.ErrArgument)
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	deduped := sorted[:1]
	for _, b := range sorted[1:] {
		if b != deduped[len(deduped)-1] {
			deduped = append(deduped, b)
		}
	}
	return &Distribution{
		Scheme:       Explicit,
		Bounds:       deduped,
		BucketCounts: make([]int64, len(deduped)+1),
		Min:          math.Inf(1),
		Max:          math.Inf(-1),
	}, nil
}

// bucketIndex returns the bucket x falls into.
//
// Exponential: bucket 0 if x<=scale, else 1+floor(log(x/scale)/log(growth)),
// clamped to N+1. The chosen rounding rule is an explicit math.Floor, not an
// implicit truncation via integer cast -- for x exactly on a bucket boundary
// scale*growth^k (k>=1) this places x in bucket k+1, the bucket whose lower
// bound is x, matching the worked example in the
// bucketing test (createExponential(3, 2.0, 0.1) over
// [1e-5, 0.11, 0.5, 1e5] -> bucketCounts [1,1,0,1,1]).
//
// Linear: bucket 0 if x<=offset, else 1+round((x-offset)/width), clamped.
//
// Explicit: binary search over bounds; ties go to the next bucket (i.e. a
// sample exactly equal to a bound falls in the bucket above it).
func (d *Distribution) bucketIndex(x float64) int {
	switch d.Scheme {
	case Exponential:
		if x <= d.Scale {
			return 0
		}
		idx := 1 + int(math.Floor(math.Log(x/d.Scale)/math.Log(d.GrowthFactor)))
		return clamp(idx, 0, d.NumBuckets+1)
	case Linear:
		if x <= d.Offset {
			return 0
		}
		idx := 1 + int(math.Round((x-d.Offset)/d.Width))
		return clamp(idx, 0, d.NumBuckets+1)
	case Explicit:
		// First index i such that bounds[i] > x: a sample exactly equal to
		// a bound must land in the bucket above it, and sort.SearchFloat64s
		// (lower-bound search) would instead return that bound's own
		// index, placing ties in the bucket below.
		i := sort.Search(len(d.Bounds), func(i int) bool { return d.Bounds[i] > x })
		return i
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AddSample updates count/mean/min/max/sumOfSquaredDeviation via Welford's
// online algorithm and increments the appropriate bucket.
func (d *Distribution) AddSample(x float64) {
	d.Count++
	oldMean := d.Mean
	d.Mean += (x - oldMean) / float64(d.Count)
	d.SumOfSquaredDeviation += (x - oldMean) * (x - d.Mean)
	if x < d.Min || d.Count == 1 {
		d.Min = x
	}
	if x > d.Max || d.Count == 1 {
		d.Max = x
	}
	d.BucketCounts[d.bucketIndex(x)]++
}

// sameScheme reports whether a and b share a bucket scheme within a
// floating tolerance of 1e-5 on scheme parameters, and have identical
// bucket-count lengths.
func sameScheme(a, b *Distribution) bool {
	const tol = 1e-5
	if a.Scheme != b.Scheme || len(a.BucketCounts) != len(b.BucketCounts) {
		return false
	}
	switch a.Scheme {
	case Exponential:
		return a.NumBuckets == b.NumBuckets &&
			math.Abs(a.GrowthFactor-b.GrowthFactor) < tol &&
			math.Abs(a.Scale-b.Scale) < tol
	case Linear:
		return a.NumBuckets == b.NumBuckets &&
			math.Abs(a.Width-b.Width) < tol &&
			math.Abs(a.Offset-b.Offset) < tol
	case Explicit:
		if len(a.Bounds) != len(b.Bounds) {
			return false
		}
		for i := range a.Bounds {
			if math.Abs(a.Bounds[i]-b.Bounds[i]) >= tol {
				return false
			}
		}
		return true
	}
	return false
}

// Merge combines a and b into a new Distribution. Requires matching scheme
// (see sameScheme); fails with errs.ErrArgument otherwise.
func Merge(a, b *Distribution) (*Distribution, error) {
	if !sameScheme(a, b) {
		return nil, fmt.Errorf("%w: cannot merge distributions with mismatched schemes", errs.ErrArgument)
	}
	c := &Distribution{
		Scheme:       a.Scheme,
		NumBuckets:   a.NumBuckets,
		GrowthFactor: a.GrowthFactor,
		Scale:        a.Scale,
		Width:        a.Width,
		Offset:       a.Offset,
		Bounds:       a.Bounds,
		BucketCounts: make([]int64, len(a.BucketCounts)),
	}
	c.Count = a.Count + b.Count
	c.Min = math.Min(a.Min, b.Min)
	c.Max = math.Max(a.Max, b.Max)
	if c.Count == 0 {
		c.Mean = 0
	} else {
		c.Mean = (a.Mean*float64(a.Count) + b.Mean*float64(b.Count)) / float64(c.Count)
	}
	c.SumOfSquaredDeviation = a.SumOfSquaredDeviation + b.SumOfSquaredDeviation +
		float64(a.Count)*(c.Mean-a.Mean)*(c.Mean-a.Mean) +
		float64(b.Count)*(c.Mean-b.Mean)*(c.Mean-b.Mean)
	for i := range c.BucketCounts {
		c.BucketCounts[i] = a.BucketCounts[i] + b.BucketCounts[i]
	}
	return c, nil
}
