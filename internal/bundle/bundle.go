package bundle

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"psp.com/tutorhub/internal/quiz"
	"psp.com/tutorhub/internal/richtext"
	"psp.com/tutorhub/internal/store"
)

const Version = "1.0"

// maxBundleBytes bounds an uploaded bundle.
const maxBundleBytes = 20 << 20

// Bundle is the portable course format.
type Bundle struct {
	Version   string   `json:"version"`
	Generated string   `json:"generated"` // RFC 3339
	Modules   []Module `json:"modules"`
}

// Module is the bundle form of a store.Module.
type Module struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	VideoURL    string     `json:"video_url"`
	Content     string     `json:"content"`
	Format      string     `json:"format,omitempty"`
	Source      string     `json:"source,omitempty"`
	Order       int        `json:"order"`
	Quiz        *quiz.Quiz `json:"quiz,omitempty"`
	CreatedAt   string     `json:"created_at,omitempty"`
}

// Report summarizes what an import kept and dropped.
type Report struct {
	Modules            int      `json:"modules"`
	SkippedModules     int      `json:"skipped_modules"`
	DroppedQuestions   int      `json:"dropped_questions"`
	DuplicateQuestions int      `json:"duplicate_questions"`
	Warnings           []string `json:"warnings,omitempty"`
}

// Export converts stored modules into a bundle.
func Export(modules []store.Module, now time.Time) Bundle {
	b := Bundle{
		Version:   Version,
		Generated: now.UTC().Format(time.RFC3339),
		Modules:   make([]Module, 0, len(modules)),
	}
	for _, m := range modules {
		b.Modules = append(b.Modules, Module{
			ID:          m.ID,
			Title:       m.Title,
			Description: m.Description,
			VideoURL:    m.VideoURL,
			Content:     m.Body,
			Format:      m.Format,
			Source:      m.Source,
			Order:       m.Position,
			Quiz:        m.Quiz,
			CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return b
}

func Encode(w io.Writer, b Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

func Decode(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(io.LimitReader(r, maxBundleBytes))
	if err := dec.Decode(&b); err != nil {
		return b, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Version != "" && !strings.HasPrefix(b.Version, "1.") {
		return b, fmt.Errorf("unsupported bundle version %q", b.Version)
	}
	return b, nil
}

// Prepare turns bundle modules into store modules: modules without a title
// are skipped, missing IDs are assigned, bodies are sanitized, and quiz
// questions are validated and de-duplicated by question text.
func Prepare(b Bundle) ([]store.Module, Report) {
	var (
		out    []store.Module
		report Report
	)
	seenIDs := map[string]struct{}{}
	for i, bm := range b.Modules {
		if strings.TrimSpace(bm.Title) == "" {
			report.SkippedModules++
			report.Warnings = append(report.Warnings, fmt.Sprintf("module %d: missing title", i+1))
			continue
		}
		id := strings.TrimSpace(bm.ID)
		if _, dup := seenIDs[id]; id == "" || dup {
			id = uuid.NewString()
		}
		seenIDs[id] = struct{}{}

		m := store.Module{
			ID:          id,
			Title:       strings.TrimSpace(bm.Title),
			Description: bm.Description,
			VideoURL:    bm.VideoURL,
			Format:      bm.Format,
			Source:      bm.Source,
			Position:    bm.Order,
		}
		if t, err := time.Parse(time.RFC3339, bm.CreatedAt); err == nil {
			m.CreatedAt = t
		}

		if !richtext.ValidFormat(m.Format) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("module %q: unknown format %q, treated as html", m.Title, m.Format))
			m.Format = richtext.FormatHTML
		}
		body, err := richtext.Render(m.Format, firstNonEmpty(bm.Source, bm.Content))
		if err != nil {
			body = richtext.Sanitize(bm.Content)
		}
		m.Body = body

		if bm.Quiz != nil {
			m.Quiz = cleanQuiz(*bm.Quiz, m.Title, &report)
		}
		out = append(out, m)
	}
	report.Modules = len(out)
	return out, report
}

func cleanQuiz(q quiz.Quiz, title string, report *Report) *quiz.Quiz {
	q.Normalize()
	var valid []quiz.Question
	for i, question := range q.Questions {
		if err := question.Validate(); err != nil {
			report.DroppedQuestions++
			report.Warnings = append(report.Warnings, fmt.Sprintf("module %q question %d: %v", title, i+1, err))
			continue
		}
		valid = append(valid, question)
	}
	deduped := quiz.Dedupe(valid)
	report.DuplicateQuestions += len(valid) - len(deduped)
	if len(deduped) == 0 {
		return nil
	}
	if q.PassingScore < 0 || q.PassingScore > 100 {
		q.PassingScore = quiz.DefaultPassingScore
	}
	q.Questions = deduped
	return &q
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
