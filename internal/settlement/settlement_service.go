package settlement

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/lock"
	"github.com/pollitago/pollitago/internal/model"
	"github.com/pollitago/pollitago/internal/repository"
)

const (
	SettlementRunnerLockName = "pollitago:settlement:runner:lock"

	// 奖池折算: 承诺金额的50%进入奖池，1元承诺折算100积分
	// 50%留存是平台收入策略，不是计算错误
	poolRetentionPercent  = 50
	pointsPerCurrencyUnit = 100
)

// PollStore 结算任务依赖的投票存储接口
type PollStore interface {
	// ListSettleablePolls 选取已承诺、未结算、已截止的投票
	ListSettleablePolls(now time.Time) ([]*model.Poll, error)

	// WinningVoters 枚举投给获胜选项的用户
	WinningVoters(pollID string, optionID int32) ([]string, error)

	// SettlePoll 原子提交: N个获胜者积分增量 + 结算标志翻转
	SettlePoll(pollID string, optionID int32, winners []string, award int64) error

	// MarkPollProcessed 无积分发放的终态结算
	MarkPollProcessed(pollID string) error
}

// EventPublisher 结算事件发布接口
type EventPublisher interface {
	SendSettlementEvent(event *model.SettlementEvent) error
}

// CacheInvalidator 结算后的缓存失效接口
type CacheInvalidator interface {
	DeletePollCache(pollID string) error
	DeleteUserPointsCache(userID string) error
}

// SettlementService 承诺投票结算任务
// 定时扫描到期投票，确定获胜选项并向获胜投票人发放积分
// 重试策略: 结算失败的投票保留is_processed=0，由下一轮定时扫描重试（至少一次语义），进程内不做退避重试
type SettlementService struct {
	store           PollStore
	cache           CacheInvalidator
	producer        EventPublisher
	distributedLock lock.Lock
	sweepInterval   time.Duration
	lockTimeout     time.Duration
	sweepTicker     *time.Ticker
	stopChan        chan struct{}
	isRunner        atomic.Bool // 标识该实例是否为结算执行者，扫描协程与锁维持协程并发访问
}

func NewSettlementService(
	store PollStore,
	cache CacheInvalidator,
	producer EventPublisher,
	distributedLock lock.Lock,
	cfg *config.Config,
	isRunner bool,
) *SettlementService {
	s := &SettlementService{
		store:           store,
		cache:           cache,
		producer:        producer,
		distributedLock: distributedLock,
		sweepInterval:   cfg.Settlement.SweepInterval,
		lockTimeout:     cfg.Settlement.LockTimeout,
		stopChan:        make(chan struct{}),
	}
	s.isRunner.Store(isRunner)
	return s
}

// StartSettlementLoop 启动定时结算循环
func (s *SettlementService) StartSettlementLoop() {
	s.sweepTicker = time.NewTicker(s.sweepInterval)

	go func() {
		for {
			select {
			case <-s.sweepTicker.C:
				// 只有被指定为执行者的实例才尝试竞争锁并结算
				if s.isRunner.Load() {
					s.sweep()
				}
			case <-s.stopChan:
				s.sweepTicker.Stop()
				log.Println("结算循环已停止")
				return
			}
		}
	}()

	// 启动另一个协程维持执行者状态，锁空出时接管
	go s.maintainRunnerLock()
}

// maintainRunnerLock 维持执行者锁状态
func (s *SettlementService) maintainRunnerLock() {
	checkInterval := s.sweepInterval / 2
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tryAcquireRunnerLock()
		case <-s.stopChan:
			return
		}
	}
}

// tryAcquireRunnerLock 尝试获取执行者锁
func (s *SettlementService) tryAcquireRunnerLock() {
	if s.isRunner.Load() {
		return
	}

	acquired, err := s.distributedLock.AcquireLock(SettlementRunnerLockName, s.lockTimeout)
	if err != nil {
		log.Printf("检查结算执行者锁失败: %v", err)
		return
	}

	if acquired {
		log.Println("获取结算执行者锁成功，本实例接管结算任务")
		s.isRunner.Store(true)
		// 接管后立即归还，扫描时按轮竞争
		if err := s.distributedLock.ReleaseLock(SettlementRunnerLockName); err != nil {
			log.Printf("释放结算执行者锁失败: %v", err)
		}
	}
}

// StopSettlementLoop 停止结算循环
func (s *SettlementService) StopSettlementLoop() {
	close(s.stopChan)
}

// sweep 单轮结算: 竞争分布式锁后扫描到期投票
// 两个并发实例同时扫描同一投票的窗口由锁收窄，数据库的条件更新兜底
func (s *SettlementService) sweep() {
	lockAcquired, err := s.distributedLock.AcquireLock(SettlementRunnerLockName, s.lockTimeout)
	if err != nil {
		log.Printf("获取结算锁失败: %v", err)
		return
	}

	if !lockAcquired {
		log.Println("未能获取结算锁，跳过当前扫描")
		return
	}

	if _, err := s.SettleDuePolls(time.Now()); err != nil {
		log.Printf("结算扫描失败: %v", err)
	}

	if err := s.distributedLock.ReleaseLock(SettlementRunnerLockName); err != nil {
		log.Printf("释放结算锁失败: %v", err)
	}
}

// SettleDuePolls 扫描并结算所有到期的承诺投票
// 各投票之间相互独立，并发结算，单个投票失败不影响其他投票
func (s *SettlementService) SettleDuePolls(now time.Time) ([]*model.SettlementResult, error) {
	polls, err := s.store.ListSettleablePolls(now)
	if err != nil {
		return nil, fmt.Errorf("查询待结算投票失败: %w", err)
	}

	if len(polls) == 0 {
		return nil, nil
	}

	log.Printf("本轮共 %d 个投票待结算", len(polls))

	var (
		mu      sync.Mutex
		results []*model.SettlementResult
		wg      sync.WaitGroup
	)

	for _, poll := range polls {
		wg.Add(1)
		go func(poll *model.Poll) {
			defer wg.Done()

			result, err := s.settleOne(poll)
			if err != nil {
				// 保留is_processed=0，下一轮扫描重试
				log.Printf("结算投票 %s 失败，等待下轮重试: %v", poll.ID, err)
				return
			}
			if result == nil {
				return
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(poll)
	}

	wg.Wait()

	log.Printf("本轮结算完成: %d/%d 个投票已结算", len(results), len(polls))
	return results, nil
}

// settleOne 结算单个投票
func (s *SettlementService) settleOne(poll *model.Poll) (*model.SettlementResult, error) {
	winningOptionID, ok := ResolveWinner(poll.Options)
	if !ok {
		// 没有任何选项，置位结算标志后终止
		if err := s.markProcessed(poll.ID); err != nil {
			return nil, err
		}
		return &model.SettlementResult{PollID: poll.ID, PaidOut: false}, nil
	}

	winners, err := s.store.WinningVoters(poll.ID, winningOptionID)
	if err != nil {
		return nil, fmt.Errorf("枚举获胜投票人失败: %w", err)
	}

	award := AwardPoints(poll.PledgeAmountCents, len(winners))

	// 无获胜者或奖池不足以分出正积分: 有效终态，置位结算标志，不发放
	if len(winners) == 0 || award <= 0 {
		if err := s.markProcessed(poll.ID); err != nil {
			return nil, err
		}
		return &model.SettlementResult{
			PollID:          poll.ID,
			WinningOptionID: winningOptionID,
			WinnerCount:     len(winners),
			AwardPoints:     0,
			PaidOut:         false,
		}, nil
	}

	if err := s.store.SettlePoll(poll.ID, winningOptionID, winners, award); err != nil {
		if errors.Is(err, repository.ErrAlreadySettled) {
			// 并发扫描先行提交，本轮视为已完成
			log.Printf("投票 %s 已被并发结算，跳过", poll.ID)
			return nil, nil
		}
		return nil, fmt.Errorf("提交结算事务失败: %w", err)
	}

	log.Printf("投票 %s 结算完成: 获胜选项=%d, 获胜人数=%d, 每人积分=%d",
		poll.ID, winningOptionID, len(winners), award)

	s.afterSettle(poll.ID, winningOptionID, winners, award)

	return &model.SettlementResult{
		PollID:          poll.ID,
		WinningOptionID: winningOptionID,
		WinnerCount:     len(winners),
		AwardPoints:     award,
		PaidOut:         true,
	}, nil
}

// markProcessed 置位结算标志，已被并发置位视为成功
func (s *SettlementService) markProcessed(pollID string) error {
	if err := s.store.MarkPollProcessed(pollID); err != nil {
		if errors.Is(err, repository.ErrAlreadySettled) {
			return nil
		}
		return fmt.Errorf("置位结算标志失败: %w", err)
	}
	return nil
}

// afterSettle 结算事务提交后的通知与缓存失效，失败只记录日志
func (s *SettlementService) afterSettle(pollID string, winningOptionID int32, winners []string, award int64) {
	if s.producer != nil {
		event := &model.SettlementEvent{
			PollID:          pollID,
			WinningOptionID: winningOptionID,
			WinnerCount:     len(winners),
			AwardPoints:     award,
			SettledAt:       time.Now(),
		}
		if err := s.producer.SendSettlementEvent(event); err != nil {
			log.Printf("发送投票 %s 结算事件失败: %v", pollID, err)
		}
	}

	if s.cache != nil {
		if err := s.cache.DeletePollCache(pollID); err != nil {
			log.Printf("删除投票 %s 缓存失败: %v", pollID, err)
		}
		for _, userID := range winners {
			if err := s.cache.DeleteUserPointsCache(userID); err != nil {
				log.Printf("删除用户 %s 积分缓存失败: %v", userID, err)
			}
		}
	}
}

// ResolveWinner 确定获胜选项: 票数严格最高者获胜
// 平票时取列表中位置最靠前的选项，这是既定产品策略
func ResolveWinner(options []model.PollOption) (int32, bool) {
	if len(options) == 0 {
		return 0, false
	}

	best := options[0]
	for _, opt := range options[1:] {
		if opt.VoteCount > best.VoteCount {
			best = opt
		}
	}

	return best.OptionID, true
}

// AwardPoints 计算每个获胜者应得积分
// 奖池 = 承诺金额 × 50% × 100积分/元，按获胜人数向下取整均分
// 全程整数运算（奖池以百分之一积分为单位），不会引入浮点误差
func AwardPoints(pledgeAmountCents int64, winnerCount int) int64 {
	if winnerCount <= 0 || pledgeAmountCents <= 0 {
		return 0
	}

	poolCentiPoints := pledgeAmountCents * poolRetentionPercent
	return poolCentiPoints / (pointsPerCurrencyUnit * int64(winnerCount))
}
