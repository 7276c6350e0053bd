// Package validation defines the hooks the coordinator consults before it
// accepts client reported state. Decision logic lives with the implementer;
// this package ships only the permissive default and composition helpers.
package validation

import "arena/server/internal/history"

// Check names reported in game:validation_failed.
const (
	CheckMovement = "movement"
	CheckAim      = "aim"
	CheckShot     = "shot"
)

// Verdict is the outcome of one check.
type Verdict struct {
	Valid  bool
	Reason string
}

// Accept returns a passing verdict.
func Accept() Verdict {
	return Verdict{Valid: true}
}

// Reject returns a failing verdict carrying reason.
func Reject(reason string) Verdict {
	return Verdict{Reason: reason}
}

// MovementCheck carries a reported position update. Historical is the
// tracked state at the compensated instant, nil when none is tracked.
type MovementCheck struct {
	UserID     string
	Position   history.Vec2
	Velocity   history.Vec2
	Timestamp  int64
	Historical *history.Sample
}

// AimCheck carries a reported view angle.
type AimCheck struct {
	UserID     string
	ViewAngle  float64
	Timestamp  int64
	Historical *history.Sample
}

// ShotCheck carries a weapon fire input evaluated at the compensated time.
type ShotCheck struct {
	UserID     string
	Weapon     string
	Target     *history.Vec2
	Hit        bool
	Headshot   bool
	Damage     float64
	Timestamp  int64
	Historical *history.Sample
}

// Validator judges client reports. Forget is called once a user has no
// connection left so implementations can drop per-user state.
type Validator interface {
	ValidateMovement(MovementCheck) Verdict
	ValidateAim(AimCheck) Verdict
	ValidateShot(ShotCheck) Verdict
	Forget(userID string)
}

type allowAll struct{}

func (allowAll) ValidateMovement(MovementCheck) Verdict { return Accept() }
func (allowAll) ValidateAim(AimCheck) Verdict           { return Accept() }
func (allowAll) ValidateShot(ShotCheck) Verdict         { return Accept() }
func (allowAll) Forget(string)                          {}

// AllowAll accepts every report.
func AllowAll() Validator {
	return allowAll{}
}

// Funcs adapts plain functions to Validator. Nil functions accept.
type Funcs struct {
	Movement func(MovementCheck) Verdict
	Aim      func(AimCheck) Verdict
	Shot     func(ShotCheck) Verdict
	OnForget func(userID string)
}

func (f Funcs) ValidateMovement(c MovementCheck) Verdict {
	if f.Movement == nil {
		return Accept()
	}
	return f.Movement(c)
}

func (f Funcs) ValidateAim(c AimCheck) Verdict {
	if f.Aim == nil {
		return Accept()
	}
	return f.Aim(c)
}

func (f Funcs) ValidateShot(c ShotCheck) Verdict {
	if f.Shot == nil {
		return Accept()
	}
	return f.Shot(c)
}

func (f Funcs) Forget(userID string) {
	if f.OnForget != nil {
		f.OnForget(userID)
	}
}

// Chain runs validators in order and returns the first failing verdict.
type Chain []Validator

func (c Chain) ValidateMovement(check MovementCheck) Verdict {
	for _, v := range c {
		if verdict := v.ValidateMovement(check); !verdict.Valid {
			return verdict
		}
	}
	return Accept()
}

func (c Chain) ValidateAim(check AimCheck) Verdict {
	for _, v := range c {
		if verdict := v.ValidateAim(check); !verdict.Valid {
			return verdict
		}
	}
	return Accept()
}

func (c Chain) ValidateShot(check ShotCheck) Verdict {
	for _, v := range c {
		if verdict := v.ValidateShot(check); !verdict.Valid {
			return verdict
		}
	}
	return Accept()
}

// Forget fans out to every validator.
func (c Chain) Forget(userID string) {
	for _, v := range c {
		v.Forget(userID)
	}
}
