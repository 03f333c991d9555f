package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/model"
)

const mysqlDuplicateEntry = 1062

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository(cfg *config.Config) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", cfg.MySQL.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// CreatePoll 创建投票及其选项
func (r *MySQLRepository) CreatePoll(poll *model.Poll) error {
	if err := poll.Validate(); err != nil {
		return fmt.Errorf("投票数据校验失败: %w", err)
	}

	tx, err := r.masterDB.Begin()
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	query := `INSERT INTO polls (id, question, pledged, pledge_amount_cents, ends_at, is_processed, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`
	_, err = tx.Exec(query,
		poll.ID,
		poll.Question,
		poll.Pledged,
		poll.PledgeAmountCents,
		poll.EndsAt,
		poll.CreatedBy,
		poll.CreatedAt,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("插入投票失败: %w", err)
	}

	optionStmt, err := tx.Prepare("INSERT INTO poll_options (poll_id, option_id, position, label, vote_count) VALUES (?, ?, ?, ?, 0)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("准备插入选项语句失败: %w", err)
	}
	defer optionStmt.Close()

	for i, opt := range poll.Options {
		if _, err := optionStmt.Exec(poll.ID, opt.OptionID, i, opt.Label); err != nil {
			tx.Rollback()
			return fmt.Errorf("插入投票 %s 选项 %d 失败: %w", poll.ID, opt.OptionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	return nil
}

// GetPoll 获取投票及其选项（从库读）
func (r *MySQLRepository) GetPoll(pollID string) (*model.Poll, error) {
	return r.getPoll(r.slaveDB, pollID)
}

func (r *MySQLRepository) getPoll(db *sql.DB, pollID string) (*model.Poll, error) {
	query := `SELECT id, question, pledged, pledge_amount_cents, ends_at, is_processed, created_by, created_at
			 FROM polls WHERE id = ?`
	row := db.QueryRow(query, pollID)

	var poll model.Poll
	err := row.Scan(
		&poll.ID,
		&poll.Question,
		&poll.Pledged,
		&poll.PledgeAmountCents,
		&poll.EndsAt,
		&poll.IsProcessed,
		&poll.CreatedBy,
		&poll.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPollNotFound
		}
		return nil, fmt.Errorf("查询投票失败: %w", err)
	}

	options, err := r.loadOptions(db, pollID)
	if err != nil {
		return nil, err
	}
	poll.Options = options

	if err := poll.Validate(); err != nil {
		return nil, fmt.Errorf("投票数据校验失败: %w", err)
	}

	return &poll, nil
}

// loadOptions 按position顺序加载投票选项
func (r *MySQLRepository) loadOptions(db *sql.DB, pollID string) ([]model.PollOption, error) {
	query := "SELECT option_id, label, vote_count FROM poll_options WHERE poll_id = ? ORDER BY position"
	rows, err := db.Query(query, pollID)
	if err != nil {
		return nil, fmt.Errorf("查询投票选项失败: %w", err)
	}
	defer rows.Close()

	var options []model.PollOption
	for rows.Next() {
		var opt model.PollOption
		if err := rows.Scan(&opt.OptionID, &opt.Label, &opt.VoteCount); err != nil {
			return nil, fmt.Errorf("扫描投票选项失败: %w", err)
		}
		options = append(options, opt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代投票选项失败: %w", err)
	}

	return options, nil
}

// ListPolls 按创建时间倒序获取投票列表
func (r *MySQLRepository) ListPolls(limit int) ([]*model.Poll, error) {
	query := "SELECT id FROM polls ORDER BY created_at DESC LIMIT ?"
	rows, err := r.slaveDB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("查询投票列表失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描投票ID失败: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代投票列表失败: %w", err)
	}

	polls := make([]*model.Poll, 0, len(ids))
	for _, id := range ids {
		poll, err := r.getPoll(r.slaveDB, id)
		if err != nil {
			return nil, err
		}
		polls = append(polls, poll)
	}

	return polls, nil
}

// ListSettleablePolls 选取待结算投票: 已承诺、未结算、已截止
// 结算路径必须读主库，避免主从延迟导致旧的结算标志
func (r *MySQLRepository) ListSettleablePolls(now time.Time) ([]*model.Poll, error) {
	query := `SELECT id FROM polls WHERE pledged = 1 AND is_processed = 0 AND ends_at <= ?`
	rows, err := r.masterDB.Query(query, now)
	if err != nil {
		return nil, fmt.Errorf("查询待结算投票失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描待结算投票ID失败: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代待结算投票失败: %w", err)
	}

	polls := make([]*model.Poll, 0, len(ids))
	for _, id := range ids {
		poll, err := r.getPoll(r.masterDB, id)
		if err != nil {
			// 畸形记录隔离: 跳过并保留is_processed=0，由人工排查
			log.Printf("加载待结算投票 %s 失败，本轮跳过: %v", id, err)
			continue
		}
		polls = append(polls, poll)
	}

	return polls, nil
}

// WinningVoters 枚举给定投票中投给获胜选项的用户
// votes表是投票归属的唯一事实来源，选项计票值只是冗余聚合
func (r *MySQLRepository) WinningVoters(pollID string, optionID int32) ([]string, error) {
	query := "SELECT user_id FROM votes WHERE poll_id = ? AND option_id = ?"
	rows, err := r.masterDB.Query(query, pollID, optionID)
	if err != nil {
		return nil, fmt.Errorf("查询获胜投票人失败: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("扫描获胜投票人失败: %w", err)
		}
		userIDs = append(userIDs, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代获胜投票人失败: %w", err)
	}

	return userIDs, nil
}

// CastVote 写入投票记录并增加选项计票，单事务完成
func (r *MySQLRepository) CastVote(vote *model.Vote) error {
	tx, err := r.masterDB.Begin()
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	// 锁住投票行，校验投票仍然开放
	var endsAt time.Time
	var isProcessed bool
	err = tx.QueryRow("SELECT ends_at, is_processed FROM polls WHERE id = ? FOR UPDATE", vote.PollID).
		Scan(&endsAt, &isProcessed)
	if err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return ErrPollNotFound
		}
		return fmt.Errorf("查询投票状态失败: %w", err)
	}

	if isProcessed || !vote.VotedAt.Before(endsAt) {
		tx.Rollback()
		return ErrPollClosed
	}

	_, err = tx.Exec("INSERT INTO votes (poll_id, option_id, user_id, voted_at) VALUES (?, ?, ?, ?)",
		vote.PollID, vote.OptionID, vote.UserID, vote.VotedAt)
	if err != nil {
		tx.Rollback()
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("插入投票记录失败: %w", err)
	}

	result, err := tx.Exec("UPDATE poll_options SET vote_count = vote_count + 1 WHERE poll_id = ? AND option_id = ?",
		vote.PollID, vote.OptionID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("更新选项计票失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		tx.Rollback()
		return ErrOptionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	return nil
}

// SettlePoll 结算提交: N个获胜者积分增量 + 结算流水 + 结算标志翻转，全部在一个事务内
// 结算标志使用条件更新，若已被并发结算翻转则整个事务回滚，保证不会双重发放
func (r *MySQLRepository) SettlePoll(pollID string, optionID int32, winners []string, award int64) error {
	if award <= 0 {
		return fmt.Errorf("结算积分必须为正数: %d", award)
	}

	tx, err := r.masterDB.Begin()
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	creditStmt, err := tx.Prepare(`INSERT INTO user_points (user_id, points) VALUES (?, ?)
			 ON DUPLICATE KEY UPDATE points = points + VALUES(points)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("准备积分增量语句失败: %w", err)
	}
	defer creditStmt.Close()

	logStmt, err := tx.Prepare("INSERT INTO settlement_logs (poll_id, user_id, option_id, points) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("准备结算流水语句失败: %w", err)
	}
	defer logStmt.Close()

	for _, userID := range winners {
		if _, err := creditStmt.Exec(userID, award); err != nil {
			tx.Rollback()
			return fmt.Errorf("增加用户 %s 积分失败: %w", userID, err)
		}

		if _, err := logStmt.Exec(pollID, userID, optionID, award); err != nil {
			tx.Rollback()
			return fmt.Errorf("记录用户 %s 结算流水失败: %w", userID, err)
		}
	}

	result, err := tx.Exec("UPDATE polls SET is_processed = 1 WHERE id = ? AND is_processed = 0", pollID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("更新结算标志失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("获取结算标志更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		tx.Rollback()
		return ErrAlreadySettled
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交结算事务失败: %w", err)
	}

	return nil
}

// MarkPollProcessed 无积分发放的终态结算: 仅条件翻转结算标志
func (r *MySQLRepository) MarkPollProcessed(pollID string) error {
	result, err := r.masterDB.Exec("UPDATE polls SET is_processed = 1 WHERE id = ? AND is_processed = 0", pollID)
	if err != nil {
		return fmt.Errorf("更新结算标志失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取结算标志更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadySettled
	}

	return nil
}

// GetUserPoints 获取用户积分余额，没有流水的用户余额为0
func (r *MySQLRepository) GetUserPoints(userID string) (*model.UserPoints, error) {
	query := "SELECT user_id, points, updated_at FROM user_points WHERE user_id = ?"
	row := r.slaveDB.QueryRow(query, userID)

	var userPoints model.UserPoints
	err := row.Scan(&userPoints.UserID, &userPoints.Points, &userPoints.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return &model.UserPoints{UserID: userID, Points: 0, UpdatedAt: time.Now()}, nil
		}
		return nil, fmt.Errorf("查询用户积分失败: %w", err)
	}

	return &userPoints, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
