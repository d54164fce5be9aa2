package main

import (
	"context"
	"io"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/handler"
	"relay-core/internal/hub"
	"relay-core/internal/model"
	"relay-core/internal/server"
	"relay-core/internal/service/bundle"
	"relay-core/internal/service/consolidate"
	"relay-core/internal/service/distribute"
	"relay-core/internal/service/identity"
	"relay-core/internal/service/mq"
	"relay-core/internal/service/poller"
	"relay-core/internal/service/sign"
	"relay-core/internal/service/submit"
	"relay-core/internal/service/tip"
	"relay-core/internal/service/wallets"
	"relay-core/internal/trade"

	"relay-core/pkg/cache"
	"relay-core/pkg/config"
	"relay-core/pkg/database"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"
	"relay-core/pkg/utils/lock"

	"go.uber.org/zap"
)

func main() {
	// 0. 初始化 Config
	config.Init()
	cfg := config.Global

	// 1. 初始化 Logger
	logger.Init(cfg.App.Env)
	defer logger.Sync()

	// 2. 初始化监控指标
	monitor.Init()

	// 3. 连接 Redis (身份、分布式锁、Redis Streams)
	rdb, err := database.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	// 4. 初始化消息队列，提交事件经 outbox 异步发出
	var producer mq.Producer
	if cfg.Redis.MQType == "kafka" {
		logger.Info("使用 Kafka 作为消息队列...")
		producer = mq.NewKafkaProducer(cfg.Kafka.Brokers)
	} else {
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb)
	}
	outbox := mq.NewOutbox(producer, 1024)
	outboxDone := make(chan struct{})
	go func() {
		outbox.Start(ctx)
		close(outboxDone)
	}()

	// 5. 链上 RPC 与 relay
	rpcClient := chain.NewRPCClient(cfg.Chain.RpcUrl, cfg.Chain.Commitment)
	relay := chain.NewJitoRelay(cfg.Relay.Timeout)

	// 6. Tip floor 定时刷新
	tipAccounts, err := tip.ParseAccounts(cfg.Tip.Accounts)
	if err != nil {
		logger.Fatal("tip 账户配置错误", zap.Error(err))
	}
	tips := tip.NewState(cfg.Tip.DefaultLamports, tipAccounts)
	refresher := tip.NewRefresher(tips, cfg.Tip.FloorUrl, cfg.Tip.Interval)
	if err := refresher.Start(); err != nil {
		logger.Fatal("Tip Refresher 启动失败", zap.Error(err))
	}

	// 7. 身份服务 (L1: Memory, L2: Redis)
	localCache := cache.NewMemoryCache(30*time.Second, 5*time.Minute)
	redisCache := cache.NewRedisCache(rdb, "relay:cache:")
	ids := identity.NewService(rdb, cache.NewMultiLevelCache(localCache, redisCache))

	// 8. 连接中心
	h := hub.New(ids, cfg.Hub.CloseGrace)

	// 9. 提交引擎与签名协调
	engine := submit.NewEngine(rpcClient, relay, outbox, submit.Options{
		Endpoints:  cfg.Relay.Endpoints,
		Attempts:   cfg.Relay.Attempts,
		BundleSize: cfg.Relay.BundleSize,
	})
	signs := sign.NewCoordinator(ctx, h, engine, cfg.Signing.SignTimeout)
	bundles := bundle.NewCoordinator(ctx, h, cfg.Signing.BundleTimeout, cfg.Signing.AwaitTimeout)
	bundles.Handle(model.JobGeneric, bundle.NewSubmitHandler(engine, h))

	// 10. 业务服务
	trader := trade.NewService(trade.NewHTTPBuilder(cfg.Trade.BuilderUrl, cfg.Trade.Timeout), rpcClient, signs, bundles, tips, cfg.Chain.TokenDecimals)

	consolidator := consolidate.NewService(
		consolidate.NewPlanner(rpcClient, tips),
		bundles, engine, rpcClient, trader,
		lock.NewRedisLock(rdb), h,
		consolidate.Options{
			VerifyInterval: cfg.Consolidation.VerifyInterval,
			VerifyAttempts: cfg.Consolidation.VerifyAttempts,
			LockTTL:        cfg.Consolidation.LockTTL,
			BundleTimeout:  cfg.Signing.BundleTimeout,
			Decimals:       cfg.Chain.TokenDecimals,
		},
	)
	bundles.Handle(model.JobConsolidation, consolidator)

	distributor := distribute.NewOrchestrator(bundles, engine, rpcClient, h, distribute.Options{
		ConfirmInterval: cfg.Consolidation.VerifyInterval,
		ConfirmAttempts: cfg.Consolidation.VerifyAttempts,
	})

	// 11. 钱包登记与余额轮询，配对形成/断开时启停
	store := wallets.NewStore()
	balances := poller.New(rpcClient, h, store, poller.Options{
		Interval:   cfg.Poller.Interval,
		RetryDelay: cfg.Poller.RetryDelay,
		Decimals:   cfg.Chain.TokenDecimals,
	})
	h.SetListener(balances)

	// 12. 消息分发与 HTTP Router
	dispatcher := &handler.Dispatcher{
		Wallets:      store,
		Peers:        h,
		Poller:       balances,
		Signs:        signs,
		Bundles:      bundles,
		Trader:       trader,
		Consolidator: consolidator,
		Distributor:  distributor,
		BaseCtx:      ctx,
	}
	r := server.NewHTTPRouter(handler.NewWSHandler(h, dispatcher), h, signs, bundles)

	// 13. 启动应用
	app := server.New(server.Config{HttpPort: cfg.App.HttpPort}, r)
	app.OnShutdown(func() {
		logger.Info("正在关闭 Redis 连接...")
		_ = rdb.Close()
	})
	app.OnShutdown(func() {
		cancel()
		<-outboxDone
		if c, ok := producer.(io.Closer); ok {
			_ = c.Close()
		}
	})
	app.OnShutdown(refresher.Stop)
	app.OnShutdown(balances.Shutdown)
	app.OnShutdown(h.Shutdown)

	// 运行 (阻塞)
	app.Run()
	logger.Info("系统已退出")
}
