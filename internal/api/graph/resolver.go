package graph

import (
	"context"
	"fmt"
	"time"

	graphql "github.com/graph-gophers/graphql-go"

	"github.com/pollitago/pollitago/internal/model"
	"github.com/pollitago/pollitago/internal/service"
)

// Resolver GraphQL解析器
type Resolver struct {
	pollService *service.PollService
}

// NewResolver 创建新的解析器
func NewResolver(pollService *service.PollService) *Resolver {
	return &Resolver{pollService: pollService}
}

// Poll 获取单个投票
func (r *Resolver) Poll(ctx context.Context, args struct{ ID graphql.ID }) (*PollResolver, error) {
	poll, err := r.pollService.GetPoll(string(args.ID))
	if err != nil {
		return nil, err
	}

	return &PollResolver{poll: poll}, nil
}

// Polls 获取投票列表
func (r *Resolver) Polls(ctx context.Context, args struct{ Limit *int32 }) ([]*PollResolver, error) {
	limit := 0
	if args.Limit != nil {
		limit = int(*args.Limit)
	}

	polls, err := r.pollService.ListPolls(limit)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*PollResolver, len(polls))
	for i, poll := range polls {
		resolvers[i] = &PollResolver{poll: poll}
	}

	return resolvers, nil
}

// UserPoints 查询用户积分
func (r *Resolver) UserPoints(ctx context.Context, args struct{ UserID string }) (*UserPointsResolver, error) {
	userPoints, err := r.pollService.GetUserPoints(args.UserID)
	if err != nil {
		return nil, err
	}

	return &UserPointsResolver{userPoints: userPoints}, nil
}

// CreatePoll 创建投票
func (r *Resolver) CreatePoll(ctx context.Context, args struct{ Input CreatePollInput }) (*PollResolver, error) {
	endsAt, err := time.Parse(time.RFC3339, args.Input.EndsAt)
	if err != nil {
		return nil, fmt.Errorf("解析截止时间失败: %w", err)
	}

	var pledgeAmountCents int64
	if args.Input.PledgeAmountCents != nil {
		pledgeAmountCents = int64(*args.Input.PledgeAmountCents)
	}

	poll, err := r.pollService.CreatePoll(
		args.Input.Question,
		args.Input.Options,
		args.Input.Pledged,
		pledgeAmountCents,
		endsAt,
		args.Input.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	return &PollResolver{poll: poll}, nil
}

// CastVote 投票
func (r *Resolver) CastVote(ctx context.Context, args struct{ Input CastVoteInput }) (*VoteResponseResolver, error) {
	response, err := r.pollService.CastVote(
		string(args.Input.PollID),
		args.Input.OptionID,
		args.Input.UserID,
	)
	if err != nil {
		// 失败响应照常返回，错误信息附在message中
		response = &model.VoteResponse{
			Success:   false,
			Message:   fmt.Sprintf("投票失败: %v", err),
			PollID:    string(args.Input.PollID),
			OptionID:  args.Input.OptionID,
			Timestamp: time.Now(),
		}
	}

	return &VoteResponseResolver{response: response}, nil
}

// PollResolver 投票解析器
type PollResolver struct {
	poll *model.Poll
}

func (r *PollResolver) ID() graphql.ID {
	return graphql.ID(r.poll.ID)
}

func (r *PollResolver) Question() string {
	return r.poll.Question
}

func (r *PollResolver) Options() []*PollOptionResolver {
	resolvers := make([]*PollOptionResolver, len(r.poll.Options))
	for i := range r.poll.Options {
		resolvers[i] = &PollOptionResolver{option: r.poll.Options[i]}
	}
	return resolvers
}

func (r *PollResolver) Pledged() bool {
	return r.poll.Pledged
}

func (r *PollResolver) PledgeAmountCents() float64 {
	return float64(r.poll.PledgeAmountCents)
}

func (r *PollResolver) EndsAt() string {
	return r.poll.EndsAt.Format(time.RFC3339)
}

func (r *PollResolver) IsProcessed() bool {
	return r.poll.IsProcessed
}

func (r *PollResolver) CreatedBy() string {
	return r.poll.CreatedBy
}

func (r *PollResolver) CreatedAt() string {
	return r.poll.CreatedAt.Format(time.RFC3339)
}

// PollOptionResolver 投票选项解析器
type PollOptionResolver struct {
	option model.PollOption
}

func (r *PollOptionResolver) OptionID() int32 {
	return r.option.OptionID
}

func (r *PollOptionResolver) Label() string {
	return r.option.Label
}

func (r *PollOptionResolver) VoteCount() int32 {
	return r.option.VoteCount
}

// UserPointsResolver 用户积分解析器
type UserPointsResolver struct {
	userPoints *model.UserPoints
}

func (r *UserPointsResolver) UserID() string {
	return r.userPoints.UserID
}

func (r *UserPointsResolver) Points() float64 {
	return float64(r.userPoints.Points)
}

func (r *UserPointsResolver) UpdatedAt() string {
	return r.userPoints.UpdatedAt.Format(time.RFC3339)
}

// VoteResponseResolver 投票响应解析器
type VoteResponseResolver struct {
	response *model.VoteResponse
}

func (r *VoteResponseResolver) Success() bool {
	return r.response.Success
}

func (r *VoteResponseResolver) Message() string {
	return r.response.Message
}

func (r *VoteResponseResolver) PollID() graphql.ID {
	return graphql.ID(r.response.PollID)
}

func (r *VoteResponseResolver) OptionID() int32 {
	return r.response.OptionID
}

func (r *VoteResponseResolver) Timestamp() string {
	return r.response.Timestamp.Format(time.RFC3339)
}

// CreatePollInput 创建投票输入类型
type CreatePollInput struct {
	Question          string
	Options           []string
	Pledged           bool
	PledgeAmountCents *float64
	EndsAt            string
	CreatedBy         string
}

// CastVoteInput 投票输入类型
type CastVoteInput struct {
	PollID   graphql.ID
	OptionID int32
	UserID   string
}
