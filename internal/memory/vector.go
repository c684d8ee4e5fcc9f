package memory

import "math"

// CosineSimilarity returns the normalized dot product of a and b in [-1, 1].
// A dimension mismatch or zero-magnitude vector yields 0 so the record is
// excluded from similarity results instead of erroring.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// rankBySimilarity scores candidates against query, drops those below
// threshold, and returns the best matches first, capped at limit.
func rankBySimilarity(candidates []Record, query []float32, threshold float64, limit int) []ScoredRecord {
	scored := make([]ScoredRecord, 0, len(candidates))
	for i := range candidates {
		// incomparable embeddings are excluded regardless of threshold
		if len(candidates[i].Embedding) != len(query) {
			continue
		}
		sim := CosineSimilarity(query, candidates[i].Embedding)
		if sim < threshold {
			continue
		}
		scored = append(scored, ScoredRecord{Record: candidates[i], Similarity: sim})
	}
	// insertion sort: result sets are small and already near-ordered
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Similarity > scored[j-1].Similarity; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
