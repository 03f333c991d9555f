package settlement

import (
	"testing"

	"github.com/pollitago/pollitago/internal/model"
)

func TestResolveWinner(t *testing.T) {
	tests := []struct {
		name    string
		options []model.PollOption
		wantID  int32
		wantOK  bool
	}{
		{
			name:    "no options",
			options: nil,
			wantID:  0,
			wantOK:  false,
		},
		{
			name: "single option",
			options: []model.PollOption{
				{OptionID: 7, VoteCount: 0},
			},
			wantID: 7,
			wantOK: true,
		},
		{
			name: "strict maximum wins",
			options: []model.PollOption{
				{OptionID: 1, VoteCount: 3},
				{OptionID: 2, VoteCount: 7},
				{OptionID: 3, VoteCount: 5},
			},
			wantID: 2,
			wantOK: true,
		},
		{
			// 平票取列表中位置最靠前的选项
			name: "tie resolves to lowest index",
			options: []model.PollOption{
				{OptionID: 1, VoteCount: 10},
				{OptionID: 2, VoteCount: 10},
			},
			wantID: 1,
			wantOK: true,
		},
		{
			name: "tie among later options",
			options: []model.PollOption{
				{OptionID: 5, VoteCount: 1},
				{OptionID: 3, VoteCount: 8},
				{OptionID: 9, VoteCount: 8},
			},
			wantID: 3,
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotOK := ResolveWinner(tt.options)
			if gotID != tt.wantID || gotOK != tt.wantOK {
				t.Errorf("ResolveWinner() = (%d, %v), want (%d, %v)", gotID, gotOK, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestAwardPoints(t *testing.T) {
	tests := []struct {
		name              string
		pledgeAmountCents int64
		winnerCount       int
		want              int64
	}{
		{"50 dollars 5 winners", 5000, 5, 500},
		{"100 dollars 7 winners floors", 10000, 7, 714},
		{"one cent 3 winners", 1, 3, 0},
		{"zero pledge", 0, 5, 0},
		{"zero winners", 10000, 0, 0},
		{"negative winners", 10000, -1, 0},
		{"one dollar one winner", 100, 1, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AwardPoints(tt.pledgeAmountCents, tt.winnerCount); got != tt.want {
				t.Errorf("AwardPoints(%d, %d) = %d, want %d",
					tt.pledgeAmountCents, tt.winnerCount, got, tt.want)
			}
		})
	}
}
