package detector

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const defaultMaxEntries = 512

type corpusEntry struct {
	source   string
	shingles map[string]struct{}
}

// ShingleChecker compares word n-gram sets with Jaccard similarity. Its
// corpus is shared by every session of an assessment question and is safe
// for concurrent use.
type ShingleChecker struct {
	size       int
	maxEntries int

	mu     sync.RWMutex
	corpus map[string][]corpusEntry // assessment/question -> entries
}

// NewShingleChecker builds a checker using word shingles of the given size.
func NewShingleChecker(size int) *ShingleChecker {
	if size <= 0 {
		size = 3
	}
	return &ShingleChecker{
		size:       size,
		maxEntries: defaultMaxEntries,
		corpus:     make(map[string][]corpusEntry),
	}
}

func corpusKey(assessmentID, questionID string) string {
	return assessmentID + "/" + questionID
}

// Add stores a text. Entries from the same source replace each other, and
// the oldest entries are dropped once a question holds maxEntries.
func (c *ShingleChecker) Add(assessmentID, questionID, source, text string) {
	sh := c.shingles(text)
	if len(sh) == 0 {
		return
	}
	key := corpusKey(assessmentID, questionID)

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.corpus[key]
	for i := range entries {
		if entries[i].source == source {
			entries[i].shingles = sh
			return
		}
	}
	if len(entries) >= c.maxEntries {
		entries = entries[1:]
	}
	c.corpus[key] = append(entries, corpusEntry{source: source, shingles: sh})
}

// Check scores q.Text against every entry of its question except the
// session's own submission.
func (c *ShingleChecker) Check(ctx context.Context, q SimilarityQuery) (SimilarityResult, error) {
	if err := ctx.Err(); err != nil {
		return SimilarityResult{}, err
	}
	answer := c.shingles(q.Text)
	if len(answer) == 0 {
		return SimilarityResult{}, nil
	}

	c.mu.RLock()
	entries := c.corpus[corpusKey(q.AssessmentID, q.QuestionID)]
	var res SimilarityResult
	for _, e := range entries {
		if q.SessionID != "" && e.source == q.SessionID {
			continue
		}
		sim := jaccard(answer, e.shingles)
		if sim <= 0 {
			continue
		}
		res.Matches = append(res.Matches, SimilarityMatch{Source: e.source, Similarity: sim})
		if sim > res.MaxSimilarity {
			res.MaxSimilarity = sim
		}
	}
	c.mu.RUnlock()

	sort.Slice(res.Matches, func(i, j int) bool { return res.Matches[i].Similarity > res.Matches[j].Similarity })
	if len(res.Matches) > 5 {
		res.Matches = res.Matches[:5]
	}
	return res, nil
}

func (c *ShingleChecker) shingles(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make(map[string]struct{})
	if len(words) == 0 {
		return out
	}
	if len(words) < c.size {
		out[strings.Join(words, " ")] = struct{}{}
		return out
	}
	for i := 0; i+c.size <= len(words); i++ {
		out[strings.Join(words[i:i+c.size], " ")] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
