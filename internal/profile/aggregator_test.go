// Affinity - Asynchronous User Interest Embedding Pipeline
// Copyright 2026 Affinity contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinityd/affinity

package profile

import (
	"math"
	"testing"
	"time"
)

func l2norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func baseTime() time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
}

func TestAggregator_ColdStart(t *testing.T) {
	a := NewAggregator(DefaultHalfLifeDays)

	p, err := a.Blend(nil, "user-1", []float32{3, 4}, 0.3, baseTime())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// First event is normalized as-is; weight does not scale it.
	if math.Abs(float64(p.Vector[0])-0.6) > 1e-6 || math.Abs(float64(p.Vector[1])-0.8) > 1e-6 {
		t.Errorf("Expected [0.6 0.8], got %v", p.Vector)
	}
	if p.EventCount != 1 || p.Version != 1 {
		t.Errorf("Expected count=1 version=1, got count=%d version=%d", p.EventCount, p.Version)
	}
	if !p.LastUpdatedAt.Equal(baseTime()) {
		t.Errorf("Expected LastUpdatedAt = occurredAt, got %v", p.LastUpdatedAt)
	}
}

func TestAggregator_NormalizationInvariant(t *testing.T) {
	a := NewAggregator(DefaultHalfLifeDays)

	vectors := [][]float32{
		{1, 0, 0},
		{0.2, 0.9, 0.1},
		{-0.5, 0.5, 0.7},
		{100, -3, 0.001},
	}
	weights := []float64{1.0, 0.7, 0.5, 0.3}

	var p *Profile
	ts := baseTime()
	for i, vec := range vectors {
		var err error
		p, err = a.Blend(p, "user-1", vec, weights[i], ts)
		if err != nil {
			t.Fatalf("Blend %d: %v", i, err)
		}
		if norm := l2norm(p.Vector); math.Abs(norm-1) > 1e-5 {
			t.Errorf("After blend %d: norm = %v, want 1", i, norm)
		}
		ts = ts.Add(12 * time.Hour)
	}
	if p.EventCount != int64(len(vectors)) {
		t.Errorf("Expected EventCount=%d, got %d", len(vectors), p.EventCount)
	}
}

func TestAggregator_PurchaseThenSearch(t *testing.T) {
	a := NewAggregator(DefaultHalfLifeDays)

	purchase := []float32{1, 0}
	search := []float32{0, 1}

	p, err := a.Blend(nil, "user-1", purchase, 1.0, baseTime())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Same instant, so no decay: expected normalize((v_p*1.0 + v_s*0.7)/1.7).
	p, err = a.Blend(p, "user-1", search, 0.7, baseTime())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	wantNorm := math.Sqrt(1.0*1.0 + 0.7*0.7)
	want0 := 1.0 / wantNorm
	want1 := 0.7 / wantNorm
	if math.Abs(float64(p.Vector[0])-want0) > 1e-6 || math.Abs(float64(p.Vector[1])-want1) > 1e-6 {
		t.Errorf("Expected [%v %v], got %v", want0, want1, p.Vector)
	}
}

func TestAggregator_DecayMonotonicity(t *testing.T) {
	a := NewAggregator(DefaultHalfLifeDays)

	prior := []float32{1, 0}
	eventVec := []float32{0, 1}

	// The older the profile relative to the event, the less the prior
	// should contribute to the blend.
	ages := []time.Duration{0, 24 * time.Hour, 30 * 24 * time.Hour, 120 * 24 * time.Hour}
	var prevPriorComponent float64 = 2
	for _, age := range ages {
		p, err := a.Blend(&Profile{
			UserID:        "user-1",
			Vector:        prior,
			LastUpdatedAt: baseTime(),
			EventCount:    1,
			Version:       1,
		}, "user-1", eventVec, 0.7, baseTime().Add(age))
		if err != nil {
			t.Fatalf("Blend at age %v: %v", age, err)
		}
		component := float64(p.Vector[0])
		if component >= prevPriorComponent {
			t.Errorf("Prior contribution at age %v (%v) not smaller than younger profile (%v)",
				age, component, prevPriorComponent)
		}
		prevPriorComponent = component
	}
}

func TestAggregator_HalfLife(t *testing.T) {
	a := NewAggregator(30)

	p, err := a.Blend(&Profile{
		UserID:        "user-1",
		Vector:        []float32{1, 0},
		LastUpdatedAt: baseTime(),
		EventCount:    1,
		Version:       1,
	}, "user-1", []float32{0, 1}, 1.0, baseTime().Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// At one half-life the prior decays to 0.5, so the raw blend is
	// (0.5, 1.0)/1.5 before normalization. The direction survives
	// normalization: tan(angle) = 1.0/0.5.
	ratio := float64(p.Vector[1]) / float64(p.Vector[0])
	if math.Abs(ratio-2.0) > 1e-5 {
		t.Errorf("Expected component ratio 2.0 at one half-life, got %v", ratio)
	}
}

func TestAggregator_OutOfOrderClamped(t *testing.T) {
	a := NewAggregator(DefaultHalfLifeDays)

	prior := &Profile{
		UserID:        "user-1",
		Vector:        []float32{1, 0},
		LastUpdatedAt: baseTime(),
		EventCount:    3,
		Version:       3,
	}

	// An event from before the profile's last update must not amplify
	// the prior: age clamps to zero, same as a same-instant event.
	late, err := a.Blend(prior, "user-1", []float32{0, 1}, 0.5, baseTime().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	same, err := a.Blend(prior, "user-1", []float32{0, 1}, 0.5, baseTime())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := range late.Vector {
		if math.Abs(float64(late.Vector[i])-float64(same.Vector[i])) > 1e-6 {
			t.Errorf("Component %d: late=%v same=%v", i, late.Vector[i], same.Vector[i])
		}
	}

	// LastUpdatedAt never moves backwards.
	if !late.LastUpdatedAt.Equal(baseTime()) {
		t.Errorf("Expected LastUpdatedAt unchanged, got %v", late.LastUpdatedAt)
	}
}

func TestAggregator_Errors(t *testing.T) {
	a := NewAggregator(DefaultHalfLifeDays)

	t.Run("empty event vector", func(t *testing.T) {
		if _, err := a.Blend(nil, "user-1", nil, 1.0, baseTime()); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("zero weight", func(t *testing.T) {
		if _, err := a.Blend(nil, "user-1", []float32{1}, 0, baseTime()); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		prior := &Profile{UserID: "user-1", Vector: []float32{1, 0}, LastUpdatedAt: baseTime()}
		if _, err := a.Blend(prior, "user-1", []float32{1, 0, 0}, 1.0, baseTime()); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("zero event vector", func(t *testing.T) {
		if _, err := a.Blend(nil, "user-1", []float32{0, 0}, 1.0, baseTime()); err == nil {
			t.Error("Expected error")
		}
	})
}

func TestNormalize(t *testing.T) {
	t.Run("unit result", func(t *testing.T) {
		vec := []float32{3, 4}
		if err := Normalize(vec); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if norm := l2norm(vec); math.Abs(norm-1) > 1e-6 {
			t.Errorf("Expected unit norm, got %v", norm)
		}
	})

	t.Run("zero vector rejected", func(t *testing.T) {
		if err := Normalize([]float32{0, 0, 0}); err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("non-finite rejected", func(t *testing.T) {
		if err := Normalize([]float32{float32(math.NaN()), 1}); err == nil {
			t.Error("Expected error")
		}
	})
}

func TestCosine(t *testing.T) {
	got, err := Cosine([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(got) > 1e-9 {
		t.Errorf("Expected 0, got %v", got)
	}

	got, err = Cosine([]float32{2, 0}, []float32{5, 0})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected 1, got %v", got)
	}

	if _, err := Cosine([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("Expected dimension error")
	}
}
