// Package interview composes capture, playback, and the realtime transport
// into one orchestrated interview session: turn-taking state, transcript
// assembly, and the event surface the rest of the application consumes.
package interview

import (
	"fmt"
	"strings"
	"time"
)

// Question is one prepared interview question. Supplied by case generation;
// immutable once created.
type Question struct {
	ID                 string
	QuestionText       string
	QuestionType       string
	Difficulty         string
	ExpectedAnswer     string
	EvaluationCriteria []string
	TimeAllocation     time.Duration
	FollowUpQuestions  []string
}

// InterviewContext describes what the current interview is about. It is
// owned by the [Orchestrator] and changed only through [InterviewContext.Merge].
type InterviewContext struct {
	InterviewID          string
	JobTitle             string
	CompanyName          string
	FocusAreas           []string
	Difficulty           string
	Questions            []Question
	CurrentQuestionIndex int
}

// ContextUpdate is a partial InterviewContext; nil fields are left unchanged
// by Merge.
type ContextUpdate struct {
	JobTitle             *string
	CompanyName          *string
	FocusAreas           []string
	Difficulty           *string
	Questions            []Question
	CurrentQuestionIndex *int
}

// Merge returns a copy of c with the non-nil fields of u applied.
func (c InterviewContext) Merge(u ContextUpdate) InterviewContext {
	if u.JobTitle != nil {
		c.JobTitle = *u.JobTitle
	}
	if u.CompanyName != nil {
		c.CompanyName = *u.CompanyName
	}
	if u.FocusAreas != nil {
		c.FocusAreas = append([]string(nil), u.FocusAreas...)
	}
	if u.Difficulty != nil {
		c.Difficulty = *u.Difficulty
	}
	if u.Questions != nil {
		c.Questions = append([]Question(nil), u.Questions...)
	}
	if u.CurrentQuestionIndex != nil {
		c.CurrentQuestionIndex = *u.CurrentQuestionIndex
	}
	return c
}

// CurrentQuestion returns the question at CurrentQuestionIndex.
func (c InterviewContext) CurrentQuestion() (Question, bool) {
	if c.CurrentQuestionIndex < 0 || c.CurrentQuestionIndex >= len(c.Questions) {
		return Question{}, false
	}
	return c.Questions[c.CurrentQuestionIndex], true
}

// SystemInstruction builds the instruction sent in the transport setup frame.
func (c InterviewContext) SystemInstruction() string {
	var b strings.Builder
	b.WriteString("You are a professional interviewer conducting a voice interview")
	if c.JobTitle != "" {
		fmt.Fprintf(&b, " for the role of %s", c.JobTitle)
	}
	if c.CompanyName != "" {
		fmt.Fprintf(&b, " at %s", c.CompanyName)
	}
	b.WriteString(".")
	if c.Difficulty != "" {
		fmt.Fprintf(&b, " Target difficulty: %s.", c.Difficulty)
	}
	if len(c.FocusAreas) > 0 {
		fmt.Fprintf(&b, " Focus areas, in order: %s.", strings.Join(c.FocusAreas, ", "))
	}
	if q, ok := c.CurrentQuestion(); ok {
		fmt.Fprintf(&b, " Begin with this question: %s", q.QuestionText)
		if len(q.FollowUpQuestions) > 0 {
			fmt.Fprintf(&b, " Possible follow-ups: %s.", strings.Join(q.FollowUpQuestions, " / "))
		}
	}
	b.WriteString(" Keep responses concise and conversational. Ask one question at a time and let the candidate finish speaking.")
	return b.String()
}
