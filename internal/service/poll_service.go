package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pollitago/pollitago/internal/model"
	"github.com/pollitago/pollitago/internal/repository"
)

const (
	maxQuestionLength = 500
	maxOptionCount    = 20
	defaultListLimit  = 50
)

// PollRepository 投票服务依赖的存储接口
type PollRepository interface {
	CreatePoll(poll *model.Poll) error
	GetPoll(pollID string) (*model.Poll, error)
	ListPolls(limit int) ([]*model.Poll, error)
	CastVote(vote *model.Vote) error
	GetUserPoints(userID string) (*model.UserPoints, error)
}

// PollCache 投票服务依赖的缓存接口
type PollCache interface {
	GetPollCache(pollID string) (*model.Poll, bool, error)
	SetPollCache(poll *model.Poll) error
	DeletePollCache(pollID string) error
	GetPollTally(pollID string) (map[int32]int32, bool, error)
	SetPollTally(pollID string, tally map[int32]int32) error
	IncrementTally(pollID string, optionID int32) (int32, error)
	GetUserPointsCache(userID string) (*model.UserPoints, bool, error)
	SetUserPointsCache(userPoints *model.UserPoints) error
	DeleteUserPointsCache(userID string) error
}

// VoteEventProducer 投票事件发布接口
type VoteEventProducer interface {
	SendVoteEvent(event *model.VoteEvent) error
}

type PollService struct {
	repo     PollRepository
	cache    PollCache
	producer VoteEventProducer
}

func NewPollService(repo PollRepository, cache PollCache, producer VoteEventProducer) *PollService {
	return &PollService{
		repo:     repo,
		cache:    cache,
		producer: producer,
	}
}

// CreatePoll 创建投票
func (s *PollService) CreatePoll(
	question string,
	optionLabels []string,
	pledged bool,
	pledgeAmountCents int64,
	endsAt time.Time,
	createdBy string,
) (*model.Poll, error) {
	if question == "" {
		return nil, fmt.Errorf("投票问题不能为空")
	}
	if len(question) > maxQuestionLength {
		return nil, fmt.Errorf("投票问题过长: %d字符", len(question))
	}
	if len(optionLabels) < 2 {
		return nil, fmt.Errorf("投票至少需要2个选项")
	}
	if len(optionLabels) > maxOptionCount {
		return nil, fmt.Errorf("投票选项过多: %d个", len(optionLabels))
	}
	if createdBy == "" {
		return nil, fmt.Errorf("创建者不能为空")
	}
	if pledgeAmountCents < 0 {
		return nil, fmt.Errorf("承诺金额不能为负数")
	}
	if pledged && pledgeAmountCents == 0 {
		return nil, fmt.Errorf("承诺投票必须设置承诺金额")
	}
	now := time.Now()
	if !endsAt.After(now) {
		return nil, fmt.Errorf("截止时间必须晚于当前时间")
	}

	options := make([]model.PollOption, len(optionLabels))
	for i, label := range optionLabels {
		if label == "" {
			return nil, fmt.Errorf("选项标签不能为空")
		}
		options[i] = model.PollOption{
			OptionID:  int32(i + 1),
			Label:     label,
			VoteCount: 0,
		}
	}

	poll := &model.Poll{
		ID:                newPollID(),
		Question:          question,
		Options:           options,
		Pledged:           pledged,
		PledgeAmountCents: pledgeAmountCents,
		EndsAt:            endsAt,
		IsProcessed:       false,
		CreatedBy:         createdBy,
		CreatedAt:         now,
	}

	if err := s.repo.CreatePoll(poll); err != nil {
		return nil, fmt.Errorf("创建投票失败: %w", err)
	}

	return poll, nil
}

// GetPoll 获取投票，优先读缓存
func (s *PollService) GetPoll(pollID string) (*model.Poll, error) {
	if pollID == "" {
		return nil, fmt.Errorf("投票ID不能为空")
	}

	poll, found, err := s.cache.GetPollCache(pollID)
	if err != nil {
		log.Printf("获取投票 %s 缓存失败: %v", pollID, err)
	}
	if found && poll != nil {
		// 计票缓存包含Kafka路径的乐观增量，覆盖缓存快照中的旧票数
		s.overlayTally(poll)
		return poll, nil
	}

	// 缓存未命中，从数据库获取
	poll, err = s.repo.GetPoll(pollID)
	if err != nil {
		return nil, fmt.Errorf("获取投票 %s 失败: %w", pollID, err)
	}

	// 更新缓存并按数据库票数重建计票缓存
	if err := s.cache.SetPollCache(poll); err != nil {
		log.Printf("更新投票 %s 缓存失败: %v", pollID, err)
	}
	tally := make(map[int32]int32, len(poll.Options))
	for _, opt := range poll.Options {
		tally[opt.OptionID] = opt.VoteCount
	}
	if err := s.cache.SetPollTally(poll.ID, tally); err != nil {
		log.Printf("重建投票 %s 计票缓存失败: %v", poll.ID, err)
	}

	return poll, nil
}

// overlayTally 用计票缓存中的实时票数覆盖选项快照
func (s *PollService) overlayTally(poll *model.Poll) {
	tally, found, err := s.cache.GetPollTally(poll.ID)
	if err != nil {
		log.Printf("获取投票 %s 计票缓存失败: %v", poll.ID, err)
		return
	}
	if !found {
		return
	}
	for i := range poll.Options {
		if count, ok := tally[poll.Options[i].OptionID]; ok {
			poll.Options[i].VoteCount = count
		}
	}
}

// ListPolls 获取投票列表
func (s *PollService) ListPolls(limit int) ([]*model.Poll, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.repo.ListPolls(limit)
}

// CastVote 投票
// 投票事件优先经Kafka异步落库，发送失败时降级为同步写数据库，保证数据一致性
func (s *PollService) CastVote(pollID string, optionID int32, userID string) (*model.VoteResponse, error) {
	failedResponse := &model.VoteResponse{
		Success:   false,
		Message:   "投票失败",
		PollID:    pollID,
		OptionID:  optionID,
		Timestamp: time.Now(),
	}

	if pollID == "" || userID == "" {
		return failedResponse, fmt.Errorf("投票ID和用户ID不能为空")
	}

	// 校验投票仍然开放且选项存在
	poll, err := s.GetPoll(pollID)
	if err != nil {
		return failedResponse, err
	}

	now := time.Now()
	if poll.IsProcessed || poll.Closed(now) {
		return failedResponse, repository.ErrPollClosed
	}

	optionExists := false
	for _, opt := range poll.Options {
		if opt.OptionID == optionID {
			optionExists = true
			break
		}
	}
	if !optionExists {
		return failedResponse, repository.ErrOptionNotFound
	}

	event := &model.VoteEvent{
		PollID:   pollID,
		OptionID: optionID,
		UserID:   userID,
		VotedAt:  now,
	}

	if err := s.producer.SendVoteEvent(event); err != nil {
		log.Printf("发送投票事件到Kafka失败: %v，降级为同步写库", err)
		if err := s.applyVote(event); err != nil {
			return failedResponse, err
		}
	} else {
		// 异步路径先乐观更新计票缓存，真实计票在消费端落库
		if _, err := s.cache.IncrementTally(pollID, optionID); err != nil {
			log.Printf("更新投票 %s 计票缓存失败: %v", pollID, err)
		}
	}

	return &model.VoteResponse{
		Success:   true,
		Message:   "投票成功",
		PollID:    pollID,
		OptionID:  optionID,
		Timestamp: now,
	}, nil
}

// ProcessVoteEvent 处理投票事件（消费者使用）
// 重复事件（用户已投票）不视为错误，保证消费幂等
func (s *PollService) ProcessVoteEvent(event *model.VoteEvent) error {
	if err := s.applyVote(event); err != nil {
		if errors.Is(err, repository.ErrAlreadyVoted) || errors.Is(err, repository.ErrPollClosed) {
			log.Printf("投票事件被丢弃: 投票=%s 用户=%s: %v", event.PollID, event.UserID, err)
			return nil
		}
		return fmt.Errorf("处理投票事件失败: %w", err)
	}
	return nil
}

// applyVote 同步落库并失效相关缓存
func (s *PollService) applyVote(event *model.VoteEvent) error {
	vote := &model.Vote{
		PollID:   event.PollID,
		OptionID: event.OptionID,
		UserID:   event.UserID,
		VotedAt:  event.VotedAt,
	}

	if err := s.repo.CastVote(vote); err != nil {
		return err
	}

	if err := s.cache.DeletePollCache(event.PollID); err != nil {
		log.Printf("删除投票 %s 缓存失败: %v", event.PollID, err)
	}

	return nil
}

// GetUserPoints 获取用户积分，优先读缓存
func (s *PollService) GetUserPoints(userID string) (*model.UserPoints, error) {
	if userID == "" {
		return nil, fmt.Errorf("用户ID不能为空")
	}

	userPoints, found, err := s.cache.GetUserPointsCache(userID)
	if err != nil {
		log.Printf("获取用户 %s 积分缓存失败: %v", userID, err)
	}
	if found && userPoints != nil {
		return userPoints, nil
	}

	userPoints, err = s.repo.GetUserPoints(userID)
	if err != nil {
		return nil, fmt.Errorf("获取用户 %s 积分失败: %w", userID, err)
	}

	if err := s.cache.SetUserPointsCache(userPoints); err != nil {
		log.Printf("更新用户 %s 积分缓存失败: %v", userID, err)
	}

	return userPoints, nil
}

// newPollID 生成投票ID
func newPollID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		log.Printf("生成随机投票ID失败: %v", err)
		// 使用时间戳作为备选
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
