package cmd

import (
	"context"
	"fmt"
	"os"

	"relay-core/internal/model"
	"relay-core/pkg/safe_random"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "管理签名端 API key",
}

var issueKeyCmd = &cobra.Command{
	Use:   "issue",
	Short: "为用户签发新的签名端 API key",
	Long:  `生成随机 API key，只在 Redis 中保存其 sha256 哈希，明文只在这里输出一次。`,
	Run: func(cmd *cobra.Command, args []string) {
		userID, _ := cmd.Flags().GetString("user")
		tier, _ := cmd.Flags().GetString("tier")
		if userID == "" {
			fmt.Println("必须指定 --user")
			os.Exit(1)
		}

		// 1. 生成 key
		key, err := safe_random.GenerateRandomHexString(32)
		if err != nil {
			fmt.Printf("生成 key 失败: %v\n", err)
			os.Exit(1)
		}

		// 2. 写入 Redis
		rdb := mustRedis()
		defer rdb.Close()
		if err := identityService(rdb).IssueKey(context.Background(), userID, tier, key); err != nil {
			fmt.Printf("❌ 签发失败: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("✅ 已为用户 %s 签发 API key (tier=%s)\n", userID, tier)
		fmt.Printf("Key: %s\n", key)
		fmt.Println("⚠️  请妥善保存，服务端不保存明文")
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke [credential]",
	Short: "吊销 API key 或控制端 session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		session, _ := cmd.Flags().GetBool("session")
		role := model.RoleSigner
		if session {
			role = model.RoleController
		}

		rdb := mustRedis()
		defer rdb.Close()
		if err := identityService(rdb).Revoke(context.Background(), role, args[0]); err != nil {
			fmt.Printf("❌ 吊销失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✅ 已吊销")
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(issueKeyCmd, revokeCmd)
	issueKeyCmd.Flags().StringP("user", "u", "", "用户 ID")
	issueKeyCmd.Flags().String("tier", "free", "用户等级")
	revokeCmd.Flags().Bool("session", false, "吊销的是控制端 session 而不是 API key")
}
