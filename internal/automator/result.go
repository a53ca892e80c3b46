// File: internal/automator/result.go
package automator

import (
	"time"

	"github.com/minseochh02/keyclick/internal/keyboard"
)

// Stage names a state of the login state machine. Transitions are strictly
// sequential; a stage's failure moves the attempt directly to StageLoginFailed
// with the originating error attached.
type Stage string

const (
	StageInit              Stage = "Init"
	StageNavigatedToLogin  Stage = "NavigatedToLogin"
	StageIdentifierFilled  Stage = "IdentifierFilled"
	StageLowerCaptured     Stage = "LowerCaptured"
	StageUpperCaptured     Stage = "UpperCaptured"
	StageLowerRestored     Stage = "LowerRestored"
	StageMapBuilt          Stage = "MapBuilt"
	StagePasswordTyped     Stage = "PasswordTyped"
	StageSubmitted         Stage = "Submitted"
	StageLoggedIn          Stage = "LoggedIn"
	StageLoginFailed       Stage = "LoginFailed"
)

// Result is the outcome of one login attempt. A failed attempt names the
// stage that failed and keeps the typing provenance when typing had begun;
// Success is true only when post-submit verification independently confirmed
// an authenticated state.
type Result struct {
	Site          string                  `json:"site"`
	AttemptID     string                  `json:"attempt_id"`
	Success       bool                    `json:"success"`
	FailureStage  Stage                   `json:"failure_stage,omitempty"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	Err           error                   `json:"-"`
	TypingAttempt *keyboard.TypingAttempt `json:"typing_attempt,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	FinishedAt    time.Time               `json:"finished_at"`
}
