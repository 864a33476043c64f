package distribution

import (
	"errors"
	"math"
	"testing"

	"github.com/eugener/sentinel/internal/core/errs"
)

func TestCreateExponentialValidatesPreconditions(t *testing.T) {
	t.Parallel()
	if _, err := CreateExponential(0, 2, 0.1); !errors.Is(err, errs.ErrArgument) {
		t.Fatalf("want ErrArgument for N<=0, got %v", err)
	}
	if _, err := CreateExponential(3, 1, 0.1); !errors.Is(err, errs.ErrArgument) {
		t.Fatalf("want ErrArgument for growth<=1, got %v", err)
	}
	if _, err := CreateExponential(3, 2, 0); !errors.Is(err, errs.ErrArgument) {
		t.Fatalf("want ErrArgument for scale<=0, got %v", err)
	}
}

func TestExponentialBucketing(t *testing.T) {
	t.Parallel()
	d, err := CreateExponential(3, 2.0, 0.1)
	if err != nil {
		t.Fatalf("CreateExponential: %v", err)
	}
	for _, x := range []float64{1e-5, 0.11, 0.5, 1e5} {
		d.AddSample(x)
	}
	want := []int64{1, 1, 0, 1, 1}
	if len(d.BucketCounts) != len(want) {
		t.Fatalf("bucket counts length = %d, want %d", len(d.BucketCounts), len(want))
	}
	for i, w := range want {
		if d.BucketCounts[i] != w {
			t.Errorf("bucket[%d] = %d, want %d", i, d.BucketCounts[i], w)
		}
	}
	if d.Count != 4 {
		t.Errorf("count = %d, want 4", d.Count)
	}
	if d.Min != 1e-5 {
		t.Errorf("min = %v, want 1e-5", d.Min)
	}
	if d.Max != 1e5 {
		t.Errorf("max = %v, want 1e5", d.Max)
	}
	wantMean := 2.5e4
	if math.Abs(d.Mean-wantMean) > 1e-5*wantMean {
		t.Errorf("mean = %v, want ~%v", d.Mean, wantMean)
	}
}

func TestLinearBucketing(t *testing.T) {
	t.Parallel()
	d, err := CreateLinear(4, 10, 0)
	if err != nil {
		t.Fatalf("CreateLinear: %v", err)
	}
	d.AddSample(0)   // <= offset -> bucket 0
	d.AddSample(5)   // 1+round(0.5) -> bucket 2
	d.AddSample(25)  // 1+round(2.5) (half away from zero) -> bucket 4... just assert no panic & count
	if d.Count != 3 {
		t.Fatalf("count = %d, want 3", d.Count)
	}
	total := int64(0)
	for _, c := range d.BucketCounts {
		total += c
	}
	if total != 3 {
		t.Errorf("bucket total = %d, want 3", total)
	}
}

func TestExplicitBucketingTiesGoToNextBucket(t *testing.T) {
	t.Parallel()
	d, err := CreateExplicit([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("CreateExplicit: %v", err)
	}
	d.AddSample(2) // tie on bound -> goes to bucket above (index 2)
	idx := d.bucketIndex(2)
	if idx != 2 {
		t.Errorf("bucketIndex(2) = %d, want 2 (tie goes to next bucket)", idx)
	}
}

func TestMergeRequiresMatchingScheme(t *testing.T) {
	t.Parallel()
	a, _ := CreateExponential(3, 2.0, 0.1)
	b, _ := CreateLinear(3, 1, 0)
	if _, err := Merge(a, b); !errors.Is(err, errs.ErrArgument) {
		t.Fatalf("want ErrArgument merging mismatched schemes, got %v", err)
	}
}

func TestMergeCombinesMoments(t *testing.T) {
	t.Parallel()
	a, _ := CreateExponential(3, 2.0, 0.1)
	for _, x := range []float64{1, 2, 3} {
		a.AddSample(x)
	}
	b, _ := CreateExponential(3, 2.0, 0.1)
	for _, x := range []float64{4, 5} {
		b.AddSample(x)
	}
	c, err := Merge(a, b)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if c.Count != 5 {
		t.Errorf("count = %d, want 5", c.Count)
	}
	if c.Min != 1 || c.Max != 5 {
		t.Errorf("min/max = %v/%v, want 1/5", c.Min, c.Max)
	}
	wantMean := 3.0
	if math.Abs(c.Mean-wantMean) > 1e-9 {
		t.Errorf("mean = %v, want %v", c.Mean, wantMean)
	}
	for i := range a.BucketCounts {
		if c.BucketCounts[i] != a.BucketCounts[i]+b.BucketCounts[i] {
			t.Errorf("bucket[%d] = %d, want %d", i, c.BucketCounts[i], a.BucketCounts[i]+b.BucketCounts[i])
		}
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	t.Parallel()
	build := func(xs ...float64) *Distribution {
		d, _ := CreateLinear(5, 1, 0)
		for _, x := range xs {
			d.AddSample(x)
		}
		return d
	}
	a := build(1, 2, 3)
	b := build(4, 5, 6, 7)
	ab, err := Merge(a, b)
	if err != nil {
		t.Fatalf("Merge(a,b): %v", err)
	}
	a2 := build(1, 2, 3)
	b2 := build(4, 5, 6, 7)
	ba, err := Merge(b2, a2)
	if err != nil {
		t.Fatalf("Merge(b,a): %v", err)
	}
	if ab.Count != ba.Count || math.Abs(ab.Mean-ba.Mean) > 1e-9 {
		t.Errorf("merge not order-independent: %+v vs %+v", ab, ba)
	}
}
