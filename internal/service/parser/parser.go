// Package parser extracts grading information from OCR text: assignment
// title, date, score, student name and course name. All confidence values it
// produces are heuristics in [0,100], not calibrated probabilities.
package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Score is one extracted score candidate.
type Score struct {
	Earned      float64
	Possible    float64
	Percentage  float64
	LetterGrade string
	RawText     string
}

// Document is the result of parsing one document's OCR text. Built once per
// document and not mutated afterwards.
type Document struct {
	Title       string
	Date        *time.Time
	Score       *Score
	StudentName string
	CourseName  string

	TitleConfidence float64
	DateConfidence  float64
	ScoreConfidence float64

	RawText string

	AllTitles []string
	AllDates  []time.Time
	AllScores []Score
}

var (
	// Score patterns, in priority order: fraction, percentage, labeled.
	scorePatterns = []*regexp.Regexp{
		// "85/100", "85 out of 100", "85 of 100 points"
		regexp.MustCompile(`(?im)(\d+(?:\.\d+)?)\s*(?:/|out of|of)\s*(\d+(?:\.\d+)?)\s*(?:points?|pts?)?`),
		// "Grade: 85%" or bare "85%"
		regexp.MustCompile(`(?im)(?:grade[:\s]+)?(\d+(?:\.\d+)?)\s*%`),
		// "Score: 85" with optional "/100"
		regexp.MustCompile(`(?im)score[:\s]+(\d+(?:\.\d+)?)\s*(?:/\s*(\d+(?:\.\d+)?))?`),
		// "Points: 45/50"
		regexp.MustCompile(`(?im)points?[:\s]+(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)`),
		// Raw fraction at end of line
		regexp.MustCompile(`(?im)(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)\s*$`),
	}

	letterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)grade[:\s]*([A-F][+-]?)`),
		// "A (95%)" or "B+ 88%"
		regexp.MustCompile(`\b([A-F][+-]?)\s*(?:\d+%|\(\d+)`),
	}

	dateContextPattern = regexp.MustCompile(`(?i)date|due|\d{4}`)

	titlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^(?:name[:\s]*)?(.+?)\s*(?:test|quiz|exam|homework|hw|assignment|worksheet)`),
		regexp.MustCompile(`(?im)(?:test|quiz|exam|homework|hw|assignment|worksheet)[:\s]*(.+?)$`),
		regexp.MustCompile(`(?im)^chapter\s+\d+.*`),
		regexp.MustCompile(`(?im)^unit\s+\d+.*`),
		regexp.MustCompile(`(?im)^lesson\s+\d+.*`),
	}

	titleSkipPattern = regexp.MustCompile(`(?i)^\d+[/-]|^score|^grade|^name|^date`)
	titlePrefixClean = regexp.MustCompile(`(?i)^(name[:\s]*|date[:\s]*)`)
	titleSuffixClean = regexp.MustCompile(`\s*[-_]\s*$`)

	coursePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)(?:class|course|subject)[:\s]*(.+?)(?:\n|$)`),
		regexp.MustCompile(`(?im)^(math|mathematics|science|reading|english|history|social studies|art|music|pe|spanish|french)\b`),
	}

	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)(?i:name|student)[:\s]+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`),
		regexp.MustCompile(`(?m)^([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)\s*$`),
	}

	monthNames = map[string]time.Month{
		"january": time.January, "jan": time.January,
		"february": time.February, "feb": time.February,
		"march": time.March, "mar": time.March,
		"april": time.April, "apr": time.April,
		"may":  time.May,
		"june": time.June, "jun": time.June,
		"july": time.July, "jul": time.July,
		"august": time.August, "aug": time.August,
		"september": time.September, "sep": time.September,
		"october": time.October, "oct": time.October,
		"november": time.November, "nov": time.November,
		"december": time.December, "dec": time.December,
	}

	numericDatePatterns = []*regexp.Regexp{
		// MM/DD/YYYY or MM-DD-YYYY
		regexp.MustCompile(`(\d{1,2})[/-](\d{1,2})[/-](\d{4})`),
		// MM/DD/YY
		regexp.MustCompile(`(\d{1,2})[/-](\d{1,2})[/-](\d{2})\b`),
		// YYYY-MM-DD
		regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`),
	}

	monthNamePattern = regexp.MustCompile(`(?i)(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})`)
)

var letterGrades = map[string]float64{
	"A+": 97, "A": 94, "A-": 90,
	"B+": 87, "B": 84, "B-": 80,
	"C+": 77, "C": 74, "C-": 70,
	"D+": 67, "D": 64, "D-": 60,
	"F": 50,
}

type Parser struct {
	now func() time.Time
}

func New() *Parser {
	return &Parser{now: time.Now}
}

// NewAt builds a parser with a fixed clock, for deterministic date ranking.
func NewAt(now func() time.Time) *Parser {
	return &Parser{now: now}
}

// Parse extracts assignment information from OCR text.
func (p *Parser) Parse(text string) *Document {
	doc := &Document{RawText: text}

	doc.AllScores = p.extractScores(text)
	doc.AllDates = p.extractDates(text)
	doc.AllTitles = p.extractTitles(text)

	if len(doc.AllScores) > 0 {
		s := doc.AllScores[0]
		doc.Score = &s
		doc.ScoreConfidence = p.scoreConfidence(&s, text)
	}

	if len(doc.AllDates) > 0 {
		d := doc.AllDates[0]
		doc.Date = &d
		doc.DateConfidence = p.dateConfidence(d, text)
	}

	if len(doc.AllTitles) > 0 {
		doc.Title = doc.AllTitles[0]
		doc.TitleConfidence = p.titleConfidence(doc.Title, text)
	}

	doc.StudentName = extractStudentName(text)
	doc.CourseName = extractCourseName(text)

	return doc
}

func (p *Parser) extractScores(text string) []Score {
	var scores []Score

	for _, pattern := range scorePatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			raw := match[0]

			if len(match) >= 3 && match[2] != "" {
				earned, err1 := strconv.ParseFloat(match[1], 64)
				possible, err2 := strconv.ParseFloat(match[2], 64)
				if err1 != nil || err2 != nil {
					continue
				}

				// Guard against calendar dates read as fractions ("5/12").
				if p.looksLikeDate(earned, possible, raw) {
					continue
				}

				if possible > 0 {
					percentage := earned / possible * 100
					// Implausible ratios are OCR noise, not grades.
					if percentage > 200 || possible > 1000 {
						continue
					}
					scores = append(scores, Score{
						Earned:     earned,
						Possible:   possible,
						Percentage: math.Round(percentage*10) / 10,
						RawText:    raw,
					})
				}
			} else if len(match) >= 2 && match[1] != "" {
				percentage, err := strconv.ParseFloat(match[1], 64)
				if err != nil {
					continue
				}
				if percentage >= 0 && percentage <= 100 {
					scores = append(scores, Score{
						Earned:     percentage,
						Possible:   100,
						Percentage: percentage,
						RawText:    raw,
					})
				}
			}
		}
	}

	for _, pattern := range letterPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			letter := strings.ToUpper(match[1])
			attached := false
			for i := range scores {
				if scores[i].LetterGrade == "" {
					scores[i].LetterGrade = letter
					attached = true
					break
				}
			}
			if !attached {
				scores = append(scores, Score{
					Percentage:  letterGrades[letter],
					LetterGrade: letter,
					RawText:     match[0],
				})
			}
		}
	}

	// Candidates with both numerator and denominator come first.
	sortScores(scores)

	return scores
}

func sortScores(scores []Score) {
	rank := func(s Score) int {
		r := 0
		if s.Possible > 0 {
			r += 2
		}
		if s.Earned > 0 {
			r++
		}
		return r
	}
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && rank(scores[j]) > rank(scores[j-1]); j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}
}

func (p *Parser) looksLikeDate(num1, num2 float64, raw string) bool {
	year := p.now().Year()

	// month/day shape
	if num1 >= 1 && num1 <= 12 && num2 >= 1 && num2 <= 31 {
		return true
	}

	// day/year shape
	if num1 >= 1 && num1 <= 31 && num2 >= float64(year-5) && num2 <= float64(year+1) {
		return true
	}

	// Date-like words around the numbers.
	if dateContextPattern.MatchString(raw) && ((num1 >= 1 && num1 <= 31) || (num2 >= 1 && num2 <= 31)) {
		return true
	}

	return false
}

func (p *Parser) extractDates(text string) []time.Time {
	var dates []time.Time
	now := p.now()

	appendDate := func(year int, month time.Month, day int) {
		if day < 1 || day > 31 || month < time.January || month > time.December {
			return
		}
		d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		if d.Day() != day || d.Month() != month {
			return // normalized away, e.g. Feb 30
		}
		// Sanity window around the current date.
		if d.Year() < now.Year()-2 || d.Year() > now.Year()+1 {
			return
		}
		dates = append(dates, d)
	}

	for i, pattern := range numericDatePatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			a, _ := strconv.Atoi(m[1])
			b, _ := strconv.Atoi(m[2])
			c, _ := strconv.Atoi(m[3])

			switch i {
			case 0: // MM/DD/YYYY
				appendDate(c, time.Month(a), b)
			case 1: // MM/DD/YY
				appendDate(2000+c, time.Month(a), b)
			case 2: // YYYY-MM-DD
				appendDate(a, time.Month(b), c)
			}
		}
	}

	for _, m := range monthNamePattern.FindAllStringSubmatch(text, -1) {
		month, ok := monthNames[strings.ToLower(m[1])]
		if !ok {
			continue
		}
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		appendDate(year, month, day)
	}

	// Closest to today first.
	for i := 1; i < len(dates); i++ {
		for j := i; j > 0 && absDuration(dates[j].Sub(now)) < absDuration(dates[j-1].Sub(now)); j-- {
			dates[j], dates[j-1] = dates[j-1], dates[j]
		}
	}

	return dates
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (p *Parser) extractTitles(text string) []string {
	var titles []string

	for _, pattern := range titlePatterns {
		for _, m := range pattern.FindAllString(text, -1) {
			title := strings.TrimSpace(m)
			if len(title) > 3 {
				titles = append(titles, cleanTitle(title))
			}
		}
	}

	// First few non-trivial lines are title candidates too.
	lines := strings.Split(text, "\n")
	limit := len(lines)
	if limit > 5 {
		limit = 5
	}
	for _, line := range lines[:limit] {
		line = strings.TrimSpace(line)
		if len(line) > 5 && len(line) < 100 && !titleSkipPattern.MatchString(line) {
			titles = append(titles, cleanTitle(line))
		}
	}

	// Dedup case-insensitively, preserving order.
	seen := make(map[string]bool)
	var unique []string
	for _, t := range titles {
		key := strings.ToLower(t)
		if !seen[key] {
			seen[key] = true
			unique = append(unique, t)
		}
	}

	return unique
}

func cleanTitle(title string) string {
	title = titlePrefixClean.ReplaceAllString(title, "")
	title = titleSuffixClean.ReplaceAllString(title, "")
	return strings.TrimSpace(title)
}

func extractStudentName(text string) string {
	for _, pattern := range namePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			name := strings.TrimSpace(m[1])
			if len(strings.Fields(name)) >= 2 {
				return name
			}
		}
	}
	return ""
}

func extractCourseName(text string) string {
	for _, pattern := range coursePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if len(m) > 1 && m[1] != "" {
				return strings.TrimSpace(m[1])
			}
			return strings.TrimSpace(m[0])
		}
	}
	return ""
}

func (p *Parser) scoreConfidence(score *Score, text string) float64 {
	confidence := 50.0

	if score.Possible > 0 {
		confidence += 20
	}

	keyword := regexp.MustCompile(`(?i)(?:score|grade|points?)[:\s]*` + regexp.QuoteMeta(score.RawText))
	if keyword.MatchString(text) {
		confidence += 20
	}

	if score.LetterGrade != "" {
		confidence += 10
	}

	return clamp(confidence)
}

func (p *Parser) dateConfidence(date time.Time, text string) float64 {
	confidence := 50.0

	for _, keyword := range []string{"date", "due", "test", "quiz", "submitted"} {
		near := regexp.MustCompile(`(?i)` + keyword + `[:\s]*.*` + strconv.Itoa(int(date.Month())) + `[/-]` + strconv.Itoa(date.Day()))
		if near.MatchString(text) {
			confidence += 15
			break
		}
	}

	daysDiff := absDuration(p.now().Sub(date)).Hours() / 24
	if daysDiff < 30 {
		confidence += 20
	} else if daysDiff < 90 {
		confidence += 10
	}

	return clamp(confidence)
}

func (p *Parser) titleConfidence(title, text string) float64 {
	confidence := 40.0

	lower := strings.ToLower(title)
	for _, keyword := range []string{"test", "quiz", "exam", "homework", "assignment", "chapter", "unit"} {
		if strings.Contains(lower, keyword) {
			confidence += 15
			break
		}
	}

	prefix := lower
	if len(prefix) > 20 {
		prefix = prefix[:20]
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), prefix) {
		confidence += 20
	}

	if len(title) > 10 && len(title) < 50 {
		confidence += 10
	}

	return clamp(confidence)
}

func clamp(confidence float64) float64 {
	if confidence > 100 {
		return 100
	}
	if confidence < 0 {
		return 0
	}
	return confidence
}
