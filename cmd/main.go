package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/api/graph"
	intkafka "github.com/pollitago/pollitago/internal/kafka"
	"github.com/pollitago/pollitago/internal/lock"
	"github.com/pollitago/pollitago/internal/repository"
	"github.com/pollitago/pollitago/internal/service"
	"github.com/pollitago/pollitago/internal/settlement"
)

const (
	ServiceStartLockName = "pollitago:service:start:lock"
	LockAcquireTimeout   = 30 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("配置加载成功，当前实例ID: %d", *instanceID)

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository(cfg)
	if err != nil {
		log.Fatalf("初始化MySQL仓库失败: %v", err)
	}
	defer mysqlRepo.Close()
	log.Printf("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository(cfg)
	if err != nil {
		log.Fatalf("初始化Redis仓库失败: %v", err)
	}
	defer redisRepo.Close()
	log.Printf("Redis仓库初始化成功")

	// 创建分布式锁
	distributedLock, err := lock.New(cfg)
	if err != nil {
		log.Fatalf("初始化分布式锁失败: %v", err)
	}
	defer distributedLock.Close()
	log.Printf("分布式锁初始化成功，后端: %s", cfg.Lock.Backend)

	// 获取服务启动锁，决定本实例是否承担结算任务
	lockAcquired, err := distributedLock.AcquireLock(ServiceStartLockName, LockAcquireTimeout)
	if err != nil {
		log.Printf("获取服务启动锁失败: %v，将以非结算执行者模式启动", err)
	}

	var isSettlementRunner bool
	if lockAcquired {
		log.Printf("实例 %d 获取服务启动锁成功，将作为结算执行者启动", *instanceID)
		isSettlementRunner = true
		defer distributedLock.ReleaseLock(ServiceStartLockName)
	} else {
		log.Printf("实例 %d 未获取到服务启动锁，以普通节点模式启动", *instanceID)
		isSettlementRunner = false
	}

	// 创建Kafka生产者
	producer, err := intkafka.NewProducer(cfg)
	if err != nil {
		log.Fatalf("初始化Kafka生产者失败: %v", err)
	}
	defer producer.Close()
	log.Printf("Kafka生产者初始化成功")

	// 创建Kafka消费者
	consumer, err := intkafka.NewConsumer(cfg)
	if err != nil {
		log.Fatalf("初始化Kafka消费者失败: %v", err)
	}
	defer consumer.Stop()
	log.Printf("Kafka消费者初始化成功")

	// 创建结算服务
	settlementService := settlement.NewSettlementService(
		mysqlRepo, redisRepo, producer, distributedLock, cfg, isSettlementRunner)

	// 启动定时结算循环（只有结算执行者实例才真正扫描）
	settlementService.StartSettlementLoop()
	defer settlementService.StopSettlementLoop()
	log.Printf("结算服务初始化成功，扫描间隔: %v, 结算执行者模式: %v",
		cfg.Settlement.SweepInterval, isSettlementRunner)

	// 创建投票服务
	pollService := service.NewPollService(mysqlRepo, redisRepo, producer)
	log.Printf("投票服务初始化成功")

	// 启动Kafka消费者
	consumer.StartConsuming(pollService.ProcessVoteEvent)
	log.Printf("Kafka消费者已启动")

	// 创建GraphQL服务
	graphqlServer := graph.NewGraphQLServer(pollService, settlementService, cfg)
	log.Printf("GraphQL服务初始化成功")

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1

	// 启动HTTP服务器(异步)
	go func() {
		if err := graphqlServer.Start(serverPort); err != nil {
			log.Fatalf("启动GraphQL服务器失败: %v", err)
		}
	}()

	log.Printf("Pollitago 结算系统 (实例 %d) 已启动，服务地址: http://localhost:%d", *instanceID, serverPort)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("正在关闭服务...")
}
