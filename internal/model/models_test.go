package model

import (
	"testing"
	"time"
)

func TestPollValidate(t *testing.T) {
	valid := Poll{
		ID:                "p1",
		Question:          "q",
		Options:           []PollOption{{OptionID: 1, Label: "A"}},
		PledgeAmountCents: 100,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid poll rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *Poll)
	}{
		{"empty id", func(p *Poll) { p.ID = "" }},
		{"no options", func(p *Poll) { p.Options = nil }},
		{"negative pledge", func(p *Poll) { p.PledgeAmountCents = -1 }},
		{"negative vote count", func(p *Poll) { p.Options[0].VoteCount = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poll := valid
			poll.Options = []PollOption{{OptionID: 1, Label: "A"}}
			tt.mutate(&poll)
			if err := poll.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestPollClosed(t *testing.T) {
	now := time.Now()
	poll := Poll{EndsAt: now}

	if poll.Closed(now.Add(-time.Second)) {
		t.Error("poll should be open before ends_at")
	}
	// 截止时刻本身即视为关闭
	if !poll.Closed(now) {
		t.Error("poll should be closed at ends_at")
	}
	if !poll.Closed(now.Add(time.Second)) {
		t.Error("poll should be closed after ends_at")
	}
}
