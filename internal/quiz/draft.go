package quiz

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"unicode"
)

// MaxDrafted caps the number of questions a drafter returns.
const MaxDrafted = 5

// ErrInsufficientFacts is returned when the text cannot support a quiz.
var ErrInsufficientFacts = errors.New("insufficient facts")

// Drafter proposes questions for a piece of source text.
type Drafter interface {
	Draft(ctx context.Context, text string) ([]Question, error)
}

// FactDrafter builds fill-in-the-blank questions offline: each question blanks
// the most distinctive word of a fact and offers keywords from other facts as
// distractors.
type FactDrafter struct {
	Seed uint64
}

func (d FactDrafter) Draft(ctx context.Context, text string) ([]Question, error) {
	facts := Facts(text)
	if len(facts) < 3 {
		return nil, ErrInsufficientFacts
	}

	type cloze struct{ fact, keyword string }
	var items []cloze
	var pool []string
	for _, f := range facts {
		if kw := keyword(f); kw != "" {
			items = append(items, cloze{f, kw})
			pool = append(pool, kw)
		}
	}
	pool = MergePool(pool)
	if len(items) == 0 || len(pool) < 4 {
		return nil, ErrInsufficientFacts
	}

	r := rand.New(rand.NewPCG(d.Seed, d.Seed^0x9e3779b97f4a7c15))
	var qs []Question
	for _, ix := range r.Perm(len(items)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := items[ix]
		// 1 correct + 3 distractors
		opts := map[string]struct{}{strings.ToLower(it.keyword): {}}
		arr := []string{it.keyword}
		for _, j := range r.Perm(len(pool)) {
			if len(arr) == 4 {
				break
			}
			k := strings.ToLower(pool[j])
			if _, dup := opts[k]; dup {
				continue
			}
			opts[k] = struct{}{}
			arr = append(arr, pool[j])
		}
		if len(arr) < 4 {
			continue
		}
		r.Shuffle(len(arr), func(i, j int) { arr[i], arr[j] = arr[j], arr[i] })

		qs = append(qs, Question{
			Question:      "Complete the statement: \"" + blank(it.fact, it.keyword) + "\"",
			Options:       arr,
			CorrectAnswer: indexOf(arr, it.keyword),
			Type:          TypeMultipleChoice,
			Explanation:   it.fact,
		})
		if len(qs) >= MaxDrafted {
			break
		}
	}
	if len(qs) == 0 {
		return nil, ErrInsufficientFacts
	}
	return qs, nil
}

// Facts splits text into short standalone statements usable as quiz material.
func Facts(text string) []string {
	var raw []string
	for _, line := range strings.Split(text, "\n") {
		raw = append(raw, splitSentences(line)...)
	}
	var out []string
	seen := map[string]struct{}{}
	for _, s := range raw {
		s = sanitize(s)
		if s == "" || len(s) > 260 { // skip ultra-long lines
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// MergePool merges and de-duplicates distractor candidates, keeping first-seen
// order.
func MergePool(slices ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, sl := range slices {
		for _, it := range sl {
			it = strings.TrimSpace(it)
			if it == "" {
				continue
			}
			k := strings.ToLower(it)
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, it)
			}
		}
	}
	return out
}

func splitSentences(line string) []string {
	var out []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] != '.' && line[i] != '!' && line[i] != '?' {
			continue
		}
		if i+1 == len(line) || line[i+1] == ' ' {
			out = append(out, line[start:i+1])
			start = i + 1
		}
	}
	if start < len(line) {
		out = append(out, line[start:])
	}
	return out
}

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "because": {}, "before": {},
	"being": {}, "between": {}, "could": {}, "every": {}, "other": {},
	"should": {}, "their": {}, "there": {}, "these": {}, "those": {},
	"through": {}, "under": {}, "where": {}, "which": {}, "while": {},
	"would": {}, "always": {}, "never": {},
}

// keyword picks the longest plain word of at least five letters.
func keyword(fact string) string {
	best := ""
	for _, w := range strings.Fields(fact) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		if len(w) < 5 || !isWord(w) {
			continue
		}
		if _, stop := stopwords[strings.ToLower(w)]; stop {
			continue
		}
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func blank(fact, word string) string {
	return strings.Replace(fact, word, "_____", 1)
}

func sanitize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, "•-–—* ")
	s = strings.TrimSuffix(s, ".")
	if len(s) < 10 {
		return ""
	}
	return s
}

func indexOf(arr []string, s string) int {
	for i, v := range arr {
		if v == s {
			return i
		}
	}
	return -1
}
