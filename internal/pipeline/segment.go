package pipeline

import "strings"

const defaultSegmentMinChars = 16

// Segmenter coalesces streamed deltas into sentence-ish chunks so synthesis
// and the client don't receive a firehose of token-sized fragments.
type Segmenter struct {
	minChars int
	firstMin int

	pending string
	emitted bool
}

func NewSegmenter(minChars int) *Segmenter {
	if minChars <= 0 {
		minChars = defaultSegmentMinChars
	}
	// The first chunk goes out as soon as there is "something" so the
	// client starts feeling responsive.
	firstMin := minChars / 4
	if firstMin < 2 {
		firstMin = 2
	}
	if firstMin > minChars {
		firstMin = minChars
	}
	return &Segmenter{minChars: minChars, firstMin: firstMin}
}

func (s *Segmenter) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	s.pending += delta
	return s.flush(false)
}

func (s *Segmenter) Finalize() []string {
	return s.flush(true)
}

func (s *Segmenter) flush(force bool) []string {
	var out []string
	for {
		threshold := s.minChars
		if !s.emitted {
			threshold = s.firstMin
		}

		segment, rest, ok := nextSegment(s.pending, threshold, force)
		if !ok {
			break
		}
		s.pending = rest
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		out = append(out, segment)
		s.emitted = true
	}
	return out
}

func nextSegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}

	if idx := boundaryAfterMin(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}

	// Enough text without punctuation: cut at whitespace to keep latency low.
	if len(input) >= minChars*2 {
		cut := whitespaceCut(input, minChars)
		return input[:cut], input[cut:], true
	}
	return "", input, false
}

func boundaryAfterMin(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

func whitespaceCut(input string, minChars int) int {
	if len(input) <= minChars {
		return len(input)
	}
	limit := minChars + 20
	if limit > len(input) {
		limit = len(input)
	}
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return minChars
}
