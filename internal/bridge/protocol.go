package bridge

import (
	"time"

	"github.com/vantagehq/viva/internal/interview"
)

// clientMessage is one JSON control message from the client.
//
// Types: "start" (Interview required), "stop", "context" (Update required),
// "screen" (JPEG required, base64 in JSON), "screenOff".
type clientMessage struct {
	Type      string            `json:"type"`
	Interview *interviewPayload `json:"interview,omitempty"`
	Update    *contextUpdate    `json:"update,omitempty"`
	JPEG      []byte            `json:"jpeg,omitempty"`

	// OutputSampleRate is the playback rate the client wants for binary
	// audio frames, in Hz. Only honored on "start"; zero keeps the engine's
	// native 24 kHz.
	OutputSampleRate int `json:"outputSampleRate,omitempty"`
}

// serverMessage is one JSON control message to the client.
//
// Types: "started", "stopped", "context", "error".
type serverMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Interview *interviewPayload `json:"interview,omitempty"`
	Analytics *analyticsSummary `json:"analytics,omitempty"`
	Message   string            `json:"message,omitempty"`

	// SampleRate echoes the rate binary audio frames will arrive at, set on
	// "started".
	SampleRate int `json:"sampleRate,omitempty"`
}

type questionPayload struct {
	ID                 string   `json:"id"`
	Text               string   `json:"text"`
	Type               string   `json:"type,omitempty"`
	Difficulty         string   `json:"difficulty,omitempty"`
	ExpectedAnswer     string   `json:"expectedAnswer,omitempty"`
	EvaluationCriteria []string `json:"evaluationCriteria,omitempty"`
	TimeAllocationMs   int64    `json:"timeAllocationMs,omitempty"`
	FollowUpQuestions  []string `json:"followUpQuestions,omitempty"`
}

type interviewPayload struct {
	InterviewID          string            `json:"interviewId"`
	JobTitle             string            `json:"jobTitle"`
	CompanyName          string            `json:"companyName,omitempty"`
	FocusAreas           []string          `json:"focusAreas,omitempty"`
	Difficulty           string            `json:"difficulty,omitempty"`
	Questions            []questionPayload `json:"questions,omitempty"`
	CurrentQuestionIndex int               `json:"currentQuestionIndex,omitempty"`
}

// contextUpdate mirrors [interview.ContextUpdate]: absent fields are left
// unchanged.
type contextUpdate struct {
	JobTitle             *string           `json:"jobTitle,omitempty"`
	CompanyName          *string           `json:"companyName,omitempty"`
	FocusAreas           []string          `json:"focusAreas,omitempty"`
	Difficulty           *string           `json:"difficulty,omitempty"`
	Questions            []questionPayload `json:"questions,omitempty"`
	CurrentQuestionIndex *int              `json:"currentQuestionIndex,omitempty"`
}

type analyticsSummary struct {
	TotalTurns            int   `json:"totalTurns"`
	UserTurns             int   `json:"userTurns"`
	AssistantTurns        int   `json:"assistantTurns"`
	UserSpeakingMs        int64 `json:"userSpeakingMs"`
	AISpeakingMs          int64 `json:"aiSpeakingMs"`
	AverageResponseTimeMs int64 `json:"averageResponseTimeMs"`
	InterruptionCount     int   `json:"interruptionCount"`
}

func (p *interviewPayload) toContext() interview.InterviewContext {
	return interview.InterviewContext{
		InterviewID:          p.InterviewID,
		JobTitle:             p.JobTitle,
		CompanyName:          p.CompanyName,
		FocusAreas:           p.FocusAreas,
		Difficulty:           p.Difficulty,
		Questions:            toQuestions(p.Questions),
		CurrentQuestionIndex: p.CurrentQuestionIndex,
	}
}

func fromContext(c interview.InterviewContext) *interviewPayload {
	questions := make([]questionPayload, len(c.Questions))
	for i, q := range c.Questions {
		questions[i] = questionPayload{
			ID:                 q.ID,
			Text:               q.QuestionText,
			Type:               q.QuestionType,
			Difficulty:         q.Difficulty,
			ExpectedAnswer:     q.ExpectedAnswer,
			EvaluationCriteria: q.EvaluationCriteria,
			TimeAllocationMs:   q.TimeAllocation.Milliseconds(),
			FollowUpQuestions:  q.FollowUpQuestions,
		}
	}
	return &interviewPayload{
		InterviewID:          c.InterviewID,
		JobTitle:             c.JobTitle,
		CompanyName:          c.CompanyName,
		FocusAreas:           c.FocusAreas,
		Difficulty:           c.Difficulty,
		Questions:            questions,
		CurrentQuestionIndex: c.CurrentQuestionIndex,
	}
}

func (u *contextUpdate) toUpdate() interview.ContextUpdate {
	out := interview.ContextUpdate{
		JobTitle:             u.JobTitle,
		CompanyName:          u.CompanyName,
		FocusAreas:           u.FocusAreas,
		Difficulty:           u.Difficulty,
		CurrentQuestionIndex: u.CurrentQuestionIndex,
	}
	if u.Questions != nil {
		out.Questions = toQuestions(u.Questions)
	}
	return out
}

func toQuestions(payloads []questionPayload) []interview.Question {
	if payloads == nil {
		return nil
	}
	out := make([]interview.Question, len(payloads))
	for i, q := range payloads {
		out[i] = interview.Question{
			ID:                 q.ID,
			QuestionText:       q.Text,
			QuestionType:       q.Type,
			Difficulty:         q.Difficulty,
			ExpectedAnswer:     q.ExpectedAnswer,
			EvaluationCriteria: q.EvaluationCriteria,
			TimeAllocation:     time.Duration(q.TimeAllocationMs) * time.Millisecond,
			FollowUpQuestions:  q.FollowUpQuestions,
		}
	}
	return out
}

func analyticsPayload(a interview.Analytics) *analyticsSummary {
	return &analyticsSummary{
		TotalTurns:            a.TotalTurns,
		UserTurns:             a.UserTurns,
		AssistantTurns:        a.AssistantTurns,
		UserSpeakingMs:        a.UserSpeakingTime.Milliseconds(),
		AISpeakingMs:          a.AISpeakingTime.Milliseconds(),
		AverageResponseTimeMs: a.AverageResponseTime.Milliseconds(),
		InterruptionCount:     a.InterruptionCount,
	}
}
