package quiz

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPassingScore is used when a quiz does not set one.
const DefaultPassingScore = 70

const TypeMultipleChoice = "multiple_choice"

type Question struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Type          string   `json:"type"`
	Explanation   string   `json:"explanation,omitempty"`
}

type Quiz struct {
	Questions    []Question `json:"questions"`
	PassingScore float64    `json:"passing_score"`
}

// Result is the outcome of scoring one submission.
type Result struct {
	Score   float64 `json:"score"` // percentage, 0-100
	Correct int     `json:"correct"`
	Total   int     `json:"total"`
	Passed  bool    `json:"passed"`
}

// PublicQuestion is a question without its answer.
type PublicQuestion struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Type     string   `json:"type"`
}

type PublicQuiz struct {
	Questions    []PublicQuestion `json:"questions"`
	PassingScore float64          `json:"passing_score"`
}

// Validate checks a single question.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Question) == "" {
		return errors.New("question text is required")
	}
	if len(q.Options) < 2 {
		return errors.New("at least two options are required")
	}
	for i, o := range q.Options {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("option %d is empty", i)
		}
	}
	if q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
		return fmt.Errorf("correct_answer %d out of range", q.CorrectAnswer)
	}
	return nil
}

// Validate checks every question and the passing score.
func (q Quiz) Validate() error {
	if q.PassingScore < 0 || q.PassingScore > 100 {
		return fmt.Errorf("passing_score must be between 0 and 100, got %v", q.PassingScore)
	}
	var errs []error
	for i, question := range q.Questions {
		if err := question.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("question %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// Normalize fills defaults in place.
func (q *Quiz) Normalize() {
	if q.PassingScore == 0 {
		q.PassingScore = DefaultPassingScore
	}
	for i := range q.Questions {
		if q.Questions[i].Type == "" {
			q.Questions[i].Type = TypeMultipleChoice
		}
		q.Questions[i].Question = strings.TrimSpace(q.Questions[i].Question)
	}
}

func (q Quiz) passing() float64 {
	if q.PassingScore <= 0 {
		return DefaultPassingScore
	}
	return q.PassingScore
}

// Score grades answers keyed by the question index ("0", "1", ...).
// Unanswered questions count as wrong.
func (q Quiz) Score(answers map[string]int) Result {
	res := Result{Total: len(q.Questions)}
	if res.Total == 0 {
		return res
	}
	for i, question := range q.Questions {
		if ans, ok := answers[strconv.Itoa(i)]; ok && ans == question.CorrectAnswer {
			res.Correct++
		}
	}
	res.Score = float64(res.Correct) * 100 / float64(res.Total)
	res.Passed = res.Score >= q.passing()
	return res
}

// Public returns the quiz as shown to learners.
func (q Quiz) Public() PublicQuiz {
	out := PublicQuiz{
		Questions:    make([]PublicQuestion, 0, len(q.Questions)),
		PassingScore: q.passing(),
	}
	for _, question := range q.Questions {
		out.Questions = append(out.Questions, PublicQuestion{
			Question: question.Question,
			Options:  append([]string(nil), question.Options...),
			Type:     question.Type,
		})
	}
	return out
}

// Dedupe drops questions whose text repeats an earlier one, ignoring case
// and surrounding space.
func Dedupe(qs []Question) []Question {
	seen := map[string]struct{}{}
	var out []Question
	for _, q := range qs {
		key := strings.ToLower(strings.TrimSpace(q.Question))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	return out
}
