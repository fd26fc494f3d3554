// Package liveness implements the challenge-response check that separates a
// live subject from a photograph. The transition function is pure; Engine
// adds randomness, a clock and locking around it.
package liveness

import (
	"time"

	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/vision"
)

type State int

const (
	Idle State = iota
	ChallengeIssued
	Verifying
	Verified
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ChallengeIssued:
		return "challenge_issued"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Terminal reports whether no further observation can change the state.
func (s State) Terminal() bool {
	return s == Verified || s == Failed || s == TimedOut
}

// BlinkPhase is the sub-state of a BLINK challenge.
type BlinkPhase int

const (
	WaitingEyesOpen BlinkPhase = iota
	WaitingBlink
	WaitingEyesReopen
	BlinkCompleted
)

func (p BlinkPhase) String() string {
	switch p {
	case WaitingEyesOpen:
		return "waiting_eyes_open"
	case WaitingBlink:
		return "waiting_blink"
	case WaitingEyesReopen:
		return "waiting_eyes_reopen"
	case BlinkCompleted:
		return "completed"
	}
	return "unknown"
}

// Config tunes the challenge. Timeout and ConsecutiveFrames are operational
// knobs, not fixed constants.
type Config struct {
	Challenges        []models.ChallengeType
	Timeout           time.Duration
	ConsecutiveFrames int
	BlinkCycles       int
	Thresholds        vision.Thresholds
}

func DefaultConfig() Config {
	return Config{
		Challenges:        models.CongruentChallenges,
		Timeout:           10 * time.Second,
		ConsecutiveFrames: 3,
		BlinkCycles:       2,
		Thresholds:        vision.DefaultThresholds(),
	}
}

// Observation is one frame's worth of located faces.
type Observation struct {
	Faces []models.DetectedFace
	At    time.Time
}

// Progress is the complete state of one challenge. It is a plain value: the
// presentation layer polls copies of it. Frames counts every observation,
// SingleFace only those with exactly one face.
type Progress struct {
	State       State                `json:"state"`
	Challenge   models.ChallengeType `json:"challenge,omitempty"`
	Instruction string               `json:"instruction,omitempty"`
	IssuedAt    time.Time            `json:"issued_at"`
	Blink       BlinkPhase           `json:"blink_phase"`
	Blinks      int                  `json:"blinks"`
	Consecutive int                  `json:"consecutive"`
	TrackingID  *int                 `json:"tracking_id,omitempty"`
	Frames      int                  `json:"frames"`
	SingleFace  int                  `json:"single_face"`
	Reason      string               `json:"reason,omitempty"`
}

// Score is the share of observed frames that carried exactly one face.
func (p Progress) Score() float32 {
	if p.Frames == 0 {
		return 0
	}
	return float32(p.SingleFace) / float32(p.Frames)
}

// Issue starts a challenge at the given time.
func Issue(challenge models.ChallengeType, at time.Time) Progress {
	return Progress{
		State:       ChallengeIssued,
		Challenge:   challenge,
		Instruction: Instruction(challenge),
		IssuedAt:    at,
		Blink:       WaitingEyesOpen,
	}
}

// Expire moves an unfinished challenge to TimedOut once more than cfg.Timeout
// has elapsed since it was issued.
func Expire(p Progress, now time.Time, cfg Config) Progress {
	if p.State != ChallengeIssued && p.State != Verifying {
		return p
	}
	if cfg.Timeout > 0 && now.Sub(p.IssuedAt) > cfg.Timeout {
		p.State = TimedOut
		p.Reason = "challenge not completed in time"
	}
	return p
}

// Step applies one observation. Frames without exactly one face are counted
// as observed but neither advance nor reset verification.
func Step(p Progress, obs Observation, cfg Config) Progress {
	p = Expire(p, obs.At, cfg)
	if p.State != ChallengeIssued && p.State != Verifying {
		return p
	}

	p.State = Verifying
	p.Frames++
	if len(obs.Faces) != 1 {
		return p
	}
	p.SingleFace++

	face := obs.Faces[0]
	if face.TrackingID != nil {
		if p.TrackingID != nil && *p.TrackingID != *face.TrackingID {
			p.State = Failed
			p.Reason = "a different face appeared during the challenge"
			return p
		}
		id := *face.TrackingID
		p.TrackingID = &id
	}

	switch p.Challenge {
	case models.ChallengeBlink:
		p = stepBlink(p, face, cfg)
	case models.ChallengeTurnLeft:
		p = stepTurn(p, cfg.Thresholds.TurnedLeft(face), cfg)
	case models.ChallengeTurnRight:
		p = stepTurn(p, cfg.Thresholds.TurnedRight(face), cfg)
	default:
		p.State = Failed
		p.Reason = "unsupported challenge"
	}
	return p
}

func stepBlink(p Progress, face models.DetectedFace, cfg Config) Progress {
	th := cfg.Thresholds
	switch p.Blink {
	case WaitingEyesOpen:
		if th.EyesOpen(face) {
			p.Blink = WaitingBlink
		}
	case WaitingBlink:
		if th.EyesClosed(face) {
			p.Blink = WaitingEyesReopen
		}
	case WaitingEyesReopen:
		if th.EyesOpen(face) {
			p.Blinks++
			p.Blink = WaitingBlink
			if p.Blinks >= cfg.BlinkCycles {
				p.Blink = BlinkCompleted
			}
		}
	}
	if p.Blink == BlinkCompleted {
		p.State = Verified
	}
	return p
}

func stepTurn(p Progress, satisfied bool, cfg Config) Progress {
	if !satisfied {
		p.Consecutive = 0
		return p
	}
	p.Consecutive++
	if p.Consecutive >= cfg.ConsecutiveFrames {
		p.State = Verified
	}
	return p
}

// Cancel marks an unfinished challenge as explicitly rejected.
func Cancel(p Progress, reason string) Progress {
	if p.State.Terminal() {
		return p
	}
	p.State = Failed
	p.Reason = reason
	return p
}
