package interview

import (
	"time"

	"github.com/vantagehq/viva/pkg/capture"
	"github.com/vantagehq/viva/pkg/live"
)

// TurnContent is what a speaker produced during one turn. Transcript holds
// the incremental speech-to-text fragments, Text any non-audio text parts;
// Audio stays empty unless a caller attaches raw audio out of band.
type TurnContent struct {
	Audio      []byte
	Text       string
	Transcript string
}

// TurnMetadata records how the turn ended.
type TurnMetadata struct {
	TurnComplete bool
	Interrupted  bool
}

// ConversationTurn is one contiguous utterance by a single speaker. It is
// finalized, and immutable from then on, when a turn-complete signal, a role
// change, or an interruption closes it.
type ConversationTurn struct {
	ID        string
	Timestamp time.Time
	Role      live.Role
	Content   TurnContent
	Metadata  TurnMetadata
}

// Analytics are derived from the turns sequence when the session ends. Only
// the turn and role counters are maintained incrementally while the session
// runs.
type Analytics struct {
	TotalTurns          int
	UserTurns           int
	AssistantTurns      int
	UserSpeakingTime    time.Duration
	AISpeakingTime      time.Duration
	AverageResponseTime time.Duration
	InterruptionCount   int
}

// ConversationSession is the aggregate produced by one interview. The
// Orchestrator owns it exclusively until EndSession returns it, after which
// it is immutable.
type ConversationSession struct {
	SessionID      string
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Model          string
	Turns          []ConversationTurn
	ScreenCaptures []capture.Capture
	Analytics      Analytics
}

// computeAnalytics derives the end-of-session analytics from the turns.
//
// Speaking time per turn is approximated as the gap to the next turn (or to
// the session end for the last turn). Response time is measured for each
// assistant turn whose immediate predecessor is a user turn.
func computeAnalytics(turns []ConversationTurn, endTime time.Time, counters Analytics) Analytics {
	a := Analytics{
		TotalTurns:     counters.TotalTurns,
		UserTurns:      counters.UserTurns,
		AssistantTurns: counters.AssistantTurns,
	}

	var responseTotal time.Duration
	var responses int

	for i, turn := range turns {
		var speaking time.Duration
		if i+1 < len(turns) {
			speaking = turns[i+1].Timestamp.Sub(turn.Timestamp)
		} else {
			speaking = endTime.Sub(turn.Timestamp)
		}
		if speaking < 0 {
			speaking = 0
		}
		switch turn.Role {
		case live.RoleUser:
			a.UserSpeakingTime += speaking
		case live.RoleAssistant:
			a.AISpeakingTime += speaking
		}

		if turn.Metadata.Interrupted {
			a.InterruptionCount++
		}

		if turn.Role == live.RoleAssistant && i > 0 && turns[i-1].Role == live.RoleUser {
			responseTotal += turn.Timestamp.Sub(turns[i-1].Timestamp)
			responses++
		}
	}

	if responses > 0 {
		a.AverageResponseTime = responseTotal / time.Duration(responses)
	}
	return a
}
