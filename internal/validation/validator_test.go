package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowAllAccepts(t *testing.T) {
	v := AllowAll()
	assert.True(t, v.ValidateMovement(MovementCheck{UserID: "u"}).Valid)
	assert.True(t, v.ValidateAim(AimCheck{UserID: "u"}).Valid)
	assert.True(t, v.ValidateShot(ShotCheck{UserID: "u"}).Valid)
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	var calls []string
	first := Funcs{Movement: func(MovementCheck) Verdict {
		calls = append(calls, "first")
		return Reject("teleportation")
	}}
	second := Funcs{Movement: func(MovementCheck) Verdict {
		calls = append(calls, "second")
		return Reject("speed")
	}}

	verdict := Chain{AllowAll(), first, second}.ValidateMovement(MovementCheck{UserID: "u"})
	assert.Equal(t, Verdict{Valid: false, Reason: "teleportation"}, verdict)
	assert.Equal(t, []string{"first"}, calls)
}

func TestChainRoutesEachCheck(t *testing.T) {
	tests := []struct {
		name  string
		chain Chain
		run   func(Chain) Verdict
		want  Verdict
	}{
		{
			name:  "empty chain accepts",
			chain: Chain{},
			run:   func(c Chain) Verdict { return c.ValidateShot(ShotCheck{}) },
			want:  Accept(),
		},
		{
			name:  "aim rejection",
			chain: Chain{Funcs{Aim: func(AimCheck) Verdict { return Reject("snap") }}},
			run:   func(c Chain) Verdict { return c.ValidateAim(AimCheck{}) },
			want:  Reject("snap"),
		},
		{
			name: "shot sees compensated time",
			chain: Chain{Funcs{Shot: func(c ShotCheck) Verdict {
				if c.Timestamp != 950 {
					return Reject("wrong time")
				}
				return Accept()
			}}},
			run:  func(c Chain) Verdict { return c.ValidateShot(ShotCheck{Timestamp: 950}) },
			want: Accept(),
		},
		{
			name:  "movement accepted by nil funcs",
			chain: Chain{Funcs{}},
			run:   func(c Chain) Verdict { return c.ValidateMovement(MovementCheck{}) },
			want:  Accept(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.run(tt.chain))
		})
	}
}

func TestChainForgetFansOut(t *testing.T) {
	var forgotten []string
	record := Funcs{OnForget: func(id string) { forgotten = append(forgotten, id) }}
	Chain{record, AllowAll(), record}.Forget("alice")
	assert.Equal(t, []string{"alice", "alice"}, forgotten)
}
