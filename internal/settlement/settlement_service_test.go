package settlement

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/model"
	"github.com/pollitago/pollitago/internal/repository"
)

// fakeStore 内存版投票存储，行为与MySQL仓库一致
type fakeStore struct {
	mu        sync.Mutex
	polls     map[string]*model.Poll
	votes     map[string]map[int32][]string // pollID -> optionID -> userIDs
	points    map[string]int64
	settleErr map[string]error // 按pollID注入结算失败
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		polls:     make(map[string]*model.Poll),
		votes:     make(map[string]map[int32][]string),
		points:    make(map[string]int64),
		settleErr: make(map[string]error),
	}
}

func (f *fakeStore) addPoll(poll *model.Poll) {
	f.polls[poll.ID] = poll
}

func (f *fakeStore) addVotes(pollID string, optionID int32, userIDs ...string) {
	if f.votes[pollID] == nil {
		f.votes[pollID] = make(map[int32][]string)
	}
	f.votes[pollID][optionID] = append(f.votes[pollID][optionID], userIDs...)
}

func (f *fakeStore) ListSettleablePolls(now time.Time) ([]*model.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var polls []*model.Poll
	for _, poll := range f.polls {
		if poll.Pledged && !poll.IsProcessed && !poll.EndsAt.After(now) {
			copied := *poll
			polls = append(polls, &copied)
		}
	}
	return polls, nil
}

func (f *fakeStore) WinningVoters(pollID string, optionID int32) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.votes[pollID] == nil {
		return nil, nil
	}
	return f.votes[pollID][optionID], nil
}

func (f *fakeStore) SettlePoll(pollID string, optionID int32, winners []string, award int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.settleErr[pollID]; err != nil {
		return err
	}

	poll, ok := f.polls[pollID]
	if !ok {
		return repository.ErrPollNotFound
	}
	if poll.IsProcessed {
		return repository.ErrAlreadySettled
	}

	for _, userID := range winners {
		f.points[userID] += award
	}
	poll.IsProcessed = true
	return nil
}

func (f *fakeStore) MarkPollProcessed(pollID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	poll, ok := f.polls[pollID]
	if !ok {
		return repository.ErrPollNotFound
	}
	if poll.IsProcessed {
		return repository.ErrAlreadySettled
	}
	poll.IsProcessed = true
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*model.SettlementEvent
}

func (f *fakePublisher) SendSettlementEvent(event *model.SettlementEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakeCache struct {
	mu            sync.Mutex
	deletedPolls  []string
	deletedPoints []string
}

func (f *fakeCache) DeletePollCache(pollID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPolls = append(f.deletedPolls, pollID)
	return nil
}

func (f *fakeCache) DeleteUserPointsCache(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPoints = append(f.deletedPoints, userID)
	return nil
}

// fakeLock 始终授予的分布式锁
type fakeLock struct {
	mu       sync.Mutex
	acquires int
}

func (f *fakeLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return true, nil
}

func (f *fakeLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeLock) ReleaseLock(lockName string) error { return nil }

func (f *fakeLock) ReleaseAllLocks() {}

func (f *fakeLock) Close() error { return nil }

func newTestService(store *fakeStore, publisher *fakePublisher, cache *fakeCache) *SettlementService {
	cfg := &config.Config{
		Settlement: config.SettlementConfig{
			SweepInterval: time.Hour,
			LockTimeout:   time.Second,
		},
	}
	return NewSettlementService(store, cache, publisher, nil, cfg, true)
}

func expiredPledgedPoll(id string, pledgeAmountCents int64, options []model.PollOption) *model.Poll {
	return &model.Poll{
		ID:                id,
		Question:          "test question",
		Options:           options,
		Pledged:           true,
		PledgeAmountCents: pledgeAmountCents,
		EndsAt:            time.Now().Add(-time.Hour),
		CreatedBy:         "creator",
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	}
}

func TestSettleCreditsEachWinnerOnce(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	// $50承诺，选项2以5票获胜: 每人 floor(5000*50/(100*5)) = 500 积分
	store.addPoll(expiredPledgedPoll("p1", 5000, []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 3},
		{OptionID: 2, Label: "B", VoteCount: 5},
	}))
	store.addVotes("p1", 1, "loser1", "loser2", "loser3")
	store.addVotes("p1", 2, "w1", "w2", "w3", "w4", "w5")

	svc := newTestService(store, publisher, cache)
	results, err := svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("SettleDuePolls returned error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	result := results[0]
	if !result.PaidOut || result.WinningOptionID != 2 || result.AwardPoints != 500 || result.WinnerCount != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}

	for _, winner := range []string{"w1", "w2", "w3", "w4", "w5"} {
		if store.points[winner] != 500 {
			t.Errorf("winner %s has %d points, want 500", winner, store.points[winner])
		}
	}
	for _, loser := range []string{"loser1", "loser2", "loser3"} {
		if store.points[loser] != 0 {
			t.Errorf("loser %s has %d points, want 0", loser, store.points[loser])
		}
	}

	if !store.polls["p1"].IsProcessed {
		t.Error("poll should be marked processed")
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 settlement event, got %d", len(publisher.events))
	}
	if publisher.events[0].AwardPoints != 500 {
		t.Errorf("event award = %d, want 500", publisher.events[0].AwardPoints)
	}
	if len(cache.deletedPoints) != 5 {
		t.Errorf("expected 5 user points cache invalidations, got %d", len(cache.deletedPoints))
	}
}

func TestEndToEndScenario(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	// $100承诺，选项2以7票获胜: 奖池 100*0.5*100 = 5000 积分, 每人 floor(5000/7) = 714
	store.addPoll(expiredPledgedPoll("p1", 10000, []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 3},
		{OptionID: 2, Label: "B", VoteCount: 7},
	}))
	winners := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7"}
	store.addVotes("p1", 2, winners...)

	svc := newTestService(store, publisher, cache)
	results, err := svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("SettleDuePolls returned error: %v", err)
	}
	if len(results) != 1 || results[0].AwardPoints != 714 {
		t.Fatalf("unexpected results: %+v", results)
	}

	for _, winner := range winners {
		if store.points[winner] != 714 {
			t.Errorf("winner %s has %d points, want 714", winner, store.points[winner])
		}
	}

	// 结算不得修改选项计票值
	if store.polls["p1"].Options[0].VoteCount != 3 || store.polls["p1"].Options[1].VoteCount != 7 {
		t.Error("settlement must not modify option vote counts")
	}
}

func TestIdempotentAcrossSweeps(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	store.addPoll(expiredPledgedPoll("p1", 5000, []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 2},
		{OptionID: 2, Label: "B", VoteCount: 1},
	}))
	store.addVotes("p1", 1, "w1", "w2")

	svc := newTestService(store, publisher, cache)

	if _, err := svc.SettleDuePolls(time.Now()); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	firstPoints := store.points["w1"]

	// 第二轮扫描不应再选中已结算投票，积分不变
	results, err := svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("second sweep settled %d polls, want 0", len(results))
	}
	if store.points["w1"] != firstPoints {
		t.Errorf("points changed on second sweep: %d -> %d", firstPoints, store.points["w1"])
	}
	if len(publisher.events) != 1 {
		t.Errorf("expected 1 settlement event total, got %d", len(publisher.events))
	}
}

func TestZeroWinnerTerminalState(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	// 到期承诺投票但无人投票: 置位结算标志，不发放积分
	store.addPoll(expiredPledgedPoll("p1", 5000, []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 0},
		{OptionID: 2, Label: "B", VoteCount: 0},
	}))

	svc := newTestService(store, publisher, cache)
	results, err := svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("SettleDuePolls returned error: %v", err)
	}

	if len(results) != 1 || results[0].PaidOut {
		t.Fatalf("unexpected results: %+v", results)
	}
	if !store.polls["p1"].IsProcessed {
		t.Error("poll should be marked processed")
	}
	if len(store.points) != 0 {
		t.Errorf("no points should be credited, got %v", store.points)
	}
	if len(publisher.events) != 0 {
		t.Errorf("no settlement event expected, got %d", len(publisher.events))
	}
}

func TestNonPositiveAwardTerminalState(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	// $0.01承诺，3个获胜者: floor(1*50/(100*3)) = 0，终态结算，不发放
	store.addPoll(expiredPledgedPoll("p1", 1, []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 3},
	}))
	store.addVotes("p1", 1, "u1", "u2", "u3")

	svc := newTestService(store, publisher, cache)
	results, err := svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("SettleDuePolls returned error: %v", err)
	}

	if len(results) != 1 || results[0].PaidOut || results[0].AwardPoints != 0 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if !store.polls["p1"].IsProcessed {
		t.Error("poll should be marked processed")
	}
	if len(store.points) != 0 {
		t.Errorf("no points should be credited, got %v", store.points)
	}
}

func TestSelectionFilter(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	options := []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 1},
	}

	// 未承诺的投票
	notPledged := expiredPledgedPoll("not-pledged", 5000, options)
	notPledged.Pledged = false
	store.addPoll(notPledged)

	// 已结算的投票
	processed := expiredPledgedPoll("processed", 5000, options)
	processed.IsProcessed = true
	store.addPoll(processed)

	// 未到期的投票
	future := expiredPledgedPoll("future", 5000, options)
	future.EndsAt = time.Now().Add(time.Hour)
	store.addPoll(future)

	// 唯一符合条件的投票
	due := expiredPledgedPoll("due", 5000, options)
	store.addPoll(due)
	store.addVotes("due", 1, "u1")

	svc := newTestService(store, publisher, cache)
	results, err := svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("SettleDuePolls returned error: %v", err)
	}

	if len(results) != 1 || results[0].PollID != "due" {
		t.Fatalf("only poll 'due' should settle, got %+v", results)
	}
	if store.polls["not-pledged"].IsProcessed || store.polls["future"].IsProcessed {
		t.Error("non-qualifying polls must not be touched")
	}
}

func TestFailureIsolationAcrossPolls(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	optionsA := []model.PollOption{{OptionID: 1, Label: "A", VoteCount: 1}}
	optionsB := []model.PollOption{{OptionID: 1, Label: "A", VoteCount: 1}}

	store.addPoll(expiredPledgedPoll("pollA", 5000, optionsA))
	store.addVotes("pollA", 1, "uA")
	store.addPoll(expiredPledgedPoll("pollB", 5000, optionsB))
	store.addVotes("pollB", 1, "uB")

	// pollA结算注入故障
	store.settleErr["pollA"] = errors.New("storage unavailable")

	svc := newTestService(store, publisher, cache)
	results, err := svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("SettleDuePolls returned error: %v", err)
	}

	if len(results) != 1 || results[0].PollID != "pollB" {
		t.Fatalf("pollB should settle despite pollA failure, got %+v", results)
	}
	if store.polls["pollA"].IsProcessed {
		t.Error("failed poll must stay unprocessed for retry")
	}
	if store.points["uB"] != 2500 {
		t.Errorf("uB has %d points, want 2500", store.points["uB"])
	}

	// 故障恢复后，下一轮扫描补结算pollA
	delete(store.settleErr, "pollA")
	results, err = svc.SettleDuePolls(time.Now())
	if err != nil {
		t.Fatalf("retry sweep failed: %v", err)
	}
	if len(results) != 1 || results[0].PollID != "pollA" {
		t.Fatalf("pollA should settle on retry, got %+v", results)
	}
	if store.points["uA"] != 2500 {
		t.Errorf("uA has %d points, want 2500", store.points["uA"])
	}
}

// 扫描协程读取执行者标志的同时，锁维持协程可能并发接管并写入该标志，
// 该路径必须能在-race下通过
func TestSettlementLoopTakesOverAndSettles(t *testing.T) {
	store := newFakeStore()
	store.addPoll(expiredPledgedPoll("p1", 5000, []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 1},
	}))
	store.addVotes("p1", 1, "u1")

	cfg := &config.Config{
		Settlement: config.SettlementConfig{
			SweepInterval: 2 * time.Millisecond,
			LockTimeout:   time.Second,
		},
	}

	// 以非执行者身份启动，由锁维持协程接管后才开始扫描
	svc := NewSettlementService(store, &fakeCache{}, &fakePublisher{}, &fakeLock{}, cfg, false)
	svc.StartSettlementLoop()
	defer svc.StopSettlementLoop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		processed := store.polls["p1"].IsProcessed
		points := store.points["u1"]
		store.mu.Unlock()

		if processed {
			if points != 2500 {
				t.Fatalf("u1 has %d points, want 2500", points)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("settlement loop never settled the due poll")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConcurrentSettleOnlyPaysOnce(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	cache := &fakeCache{}

	store.addPoll(expiredPledgedPoll("p1", 5000, []model.PollOption{
		{OptionID: 1, Label: "A", VoteCount: 1},
	}))
	store.addVotes("p1", 1, "u1")

	svc := newTestService(store, publisher, cache)

	// 两轮扫描并发竞争同一投票，条件更新保证只发放一次
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.SettleDuePolls(time.Now())
		}()
	}
	wg.Wait()

	if store.points["u1"] != 2500 {
		t.Errorf("u1 has %d points, want exactly 2500", store.points["u1"])
	}
}
