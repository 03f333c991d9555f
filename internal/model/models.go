package model

import (
	"fmt"
	"time"
)

// PollOption 投票选项，VoteCount为冗余计票值，真实投票记录以votes表为准
type PollOption struct {
	OptionID  int32  `json:"optionId"`
	Label     string `json:"label"`
	VoteCount int32  `json:"voteCount"`
}

// Poll 投票模型
// PledgeAmountCents以分为单位存储，避免浮点误差
type Poll struct {
	ID                string       `json:"id"`
	Question          string       `json:"question"`
	Options           []PollOption `json:"options"`
	Pledged           bool         `json:"pledged"`
	PledgeAmountCents int64        `json:"pledgeAmountCents"`
	EndsAt            time.Time    `json:"endsAt"`
	IsProcessed       bool         `json:"isProcessed"`
	CreatedBy         string       `json:"createdBy"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// Validate 校验读取到的投票记录，拒绝畸形数据
func (p *Poll) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("投票ID为空")
	}
	if len(p.Options) == 0 {
		return fmt.Errorf("投票 %s 没有任何选项", p.ID)
	}
	if p.PledgeAmountCents < 0 {
		return fmt.Errorf("投票 %s 的承诺金额为负数: %d", p.ID, p.PledgeAmountCents)
	}
	for _, opt := range p.Options {
		if opt.VoteCount < 0 {
			return fmt.Errorf("投票 %s 选项 %d 的票数为负数: %d", p.ID, opt.OptionID, opt.VoteCount)
		}
	}
	return nil
}

// Closed 判断投票是否已截止
func (p *Poll) Closed(now time.Time) bool {
	return !now.Before(p.EndsAt)
}

// Vote 投票记录，(PollID, UserID)唯一
type Vote struct {
	PollID   string    `json:"pollId"`
	OptionID int32     `json:"optionId"`
	UserID   string    `json:"userId"`
	VotedAt  time.Time `json:"votedAt"`
}

// UserPoints 用户积分账户，积分只通过原子增量修改
type UserPoints struct {
	UserID    string    `json:"userId"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VoteEvent Kafka投票事件
type VoteEvent struct {
	PollID   string    `json:"pollId"`
	OptionID int32     `json:"optionId"`
	UserID   string    `json:"userId"`
	VotedAt  time.Time `json:"votedAt"`
}

// SettlementEvent Kafka结算事件，在结算事务提交成功后发出
type SettlementEvent struct {
	PollID          string    `json:"pollId"`
	WinningOptionID int32     `json:"winningOptionId"`
	WinnerCount     int       `json:"winnerCount"`
	AwardPoints     int64     `json:"awardPoints"`
	SettledAt       time.Time `json:"settledAt"`
}

// SettlementResult 单个投票的结算结果
type SettlementResult struct {
	PollID          string `json:"pollId"`
	WinningOptionID int32  `json:"winningOptionId"`
	WinnerCount     int    `json:"winnerCount"`
	AwardPoints     int64  `json:"awardPoints"`
	PaidOut         bool   `json:"paidOut"`
}

// VoteResponse 投票响应
type VoteResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	PollID    string    `json:"pollId"`
	OptionID  int32     `json:"optionId"`
	Timestamp time.Time `json:"timestamp"`
}
