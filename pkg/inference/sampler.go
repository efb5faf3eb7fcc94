package inference

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	headMarker    = "=== BEGINNING OF DOCUMENT ===\n"
	sectionMarker = "\n\n=== REPRESENTATIVE SECTION %d/%d ===\n"
	tailMarker    = "\n\n=== END OF DOCUMENT ===\n"

	// middleSlices is how many evenly spaced excerpts of the body are kept.
	middleSlices = 3
)

// Sampler reduces oversized content to a bounded, representative excerpt.
// The output depends only on the content and the two sizes.
type Sampler struct {
	// ThresholdBytes is the size above which content is sampled.
	ThresholdBytes int
	// TargetBytes bounds the sampled output, markers included.
	TargetBytes int
}

// Needed reports whether content is large enough to be sampled. Content
// that already fits TargetBytes never is.
func (s Sampler) Needed(content string) bool {
	return s.TargetBytes > 0 && len(content) > s.ThresholdBytes && len(content) > s.TargetBytes
}

// Sample returns content unchanged when it is within the threshold or
// already fits the target.
// Otherwise it returns 40% head, 30% middle spread over the body in
// equal slices, and 30% tail, joined by section markers and cut on rune
// boundaries.
func (s Sampler) Sample(content string) string {
	if !s.Needed(content) {
		return content
	}

	overhead := len(headMarker) + len(tailMarker)
	for i := 1; i <= middleSlices; i++ {
		overhead += len(fmt.Sprintf(sectionMarker, i, middleSlices))
	}
	budget := s.TargetBytes - overhead
	if budget <= 0 {
		return runeSlice(content, 0, s.TargetBytes)
	}

	headLen := budget * 4 / 10
	tailLen := budget * 3 / 10
	sliceLen := (budget - headLen - tailLen) / middleSlices

	head := runeSlice(content, 0, headLen)
	tail := runeSlice(content, len(content)-tailLen, len(content))
	bodyStart := len(head)
	bodyLen := len(content) - len(tail) - bodyStart

	var b strings.Builder
	b.Grow(s.TargetBytes)
	b.WriteString(headMarker)
	b.WriteString(head)
	for i := 0; i < middleSlices; i++ {
		center := bodyStart + bodyLen*(2*i+1)/(2*middleSlices)
		start := max(center-sliceLen/2, bodyStart)
		end := min(start+sliceLen, bodyStart+bodyLen)
		fmt.Fprintf(&b, sectionMarker, i+1, middleSlices)
		b.WriteString(runeSlice(content, start, end))
	}
	b.WriteString(tailMarker)
	b.WriteString(tail)
	return b.String()
}

// runeSlice returns content[start:end] narrowed so that neither end
// splits a multi-byte rune.
func runeSlice(content string, start, end int) string {
	start = max(start, 0)
	end = min(end, len(content))
	if start >= end {
		return ""
	}
	for start < end && !utf8.RuneStart(content[start]) {
		start++
	}
	for end > start && end < len(content) && !utf8.RuneStart(content[end]) {
		end--
	}
	return content[start:end]
}
