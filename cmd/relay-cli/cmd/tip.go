package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/service/tip"
	"relay-core/pkg/config"

	"github.com/spf13/cobra"
)

var tipCmd = &cobra.Command{
	Use:   "tip",
	Short: "查看当前 relay tip floor",
	Run: func(cmd *cobra.Command, args []string) {
		url, _ := cmd.Flags().GetString("url")
		if url == "" {
			url = config.Global.Tip.FloorUrl
		}

		r := tip.NewRefresher(tip.NewState(config.Global.Tip.DefaultLamports, nil), url, time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		lamports, err := r.Fetch(ctx)
		if err != nil {
			fmt.Printf("❌ 拉取失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Tip floor (landed p50): %d lamports (%s SOL)\n", lamports, chain.LamportsToSOL(lamports).String())
	},
}

func init() {
	rootCmd.AddCommand(tipCmd)
	tipCmd.Flags().String("url", "", "tip floor 接口地址 (默认读取配置)")
}
