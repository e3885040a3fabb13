package peers

import "sort"

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// FullRange returns the range covering an entire item of the given size.
func FullRange(size int64) []Range {
	if size <= 0 {
		return nil
	}
	return []Range{{Start: 0, End: size}}
}

// NormalizeRanges sorts ranges, drops empty ones and merges overlapping or
// adjacent neighbours.
func NormalizeRanges(in []Range) []Range {
	out := make([]Range, 0, len(in))
	for _, r := range in {
		if r.Start < 0 {
			r.Start = 0
		}
		if r.Len() > 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Covers reports whether the normalized ranges contain every byte of [start, end).
func Covers(ranges []Range, start, end int64) bool {
	if end <= start {
		return true
	}
	for _, r := range ranges {
		if r.Start <= start && r.End >= end {
			return true
		}
	}
	return false
}
