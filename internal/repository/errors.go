package repository

import "errors"

var (
	// ErrPollNotFound 投票不存在
	ErrPollNotFound = errors.New("投票不存在")

	// ErrPollClosed 投票已截止，不再接受新票
	ErrPollClosed = errors.New("投票已截止")

	// ErrOptionNotFound 投票选项不存在
	ErrOptionNotFound = errors.New("投票选项不存在")

	// ErrAlreadyVoted 同一用户对同一投票只能投一票
	ErrAlreadyVoted = errors.New("用户已对该投票投过票")

	// ErrAlreadySettled 结算标志已被置位，条件更新未命中任何行
	ErrAlreadySettled = errors.New("投票已结算")
)
