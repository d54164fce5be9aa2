package cmd

import (
	"fmt"
	"os"
	"time"

	"relay-core/internal/service/identity"
	"relay-core/pkg/cache"
	"relay-core/pkg/config"
	"relay-core/pkg/database"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "relay-cli",
	Short: "签名中继服务运维工具",
	Long: `relay-server 的运维命令行工具。
支持签发/吊销签名端 API key、查看 tip floor、查询钱包余额以及订阅提交事件。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Init()
	},
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func mustRedis() *redis.Client {
	c := config.Global.Redis
	rdb, err := database.ConnectRedis(c.Addr, c.Password, c.DB)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	return rdb
}

// identityService CLI 只做写操作，本地缓存只需要覆盖一次命令
func identityService(rdb *redis.Client) *identity.Service {
	return identity.NewService(rdb, cache.NewMultiLevelCache(
		cache.NewMemoryCache(time.Minute, time.Minute),
		cache.NewRedisCache(rdb, "relay:cache:"),
	))
}
