package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"relay-core/internal/chain"
	"relay-core/pkg/config"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance [address...]",
	Short: "查询钱包 SOL 与代币余额",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mintStr, _ := cmd.Flags().GetString("mint")
		program, _ := cmd.Flags().GetString("token-program")

		wallets := make([]solana.PublicKey, len(args))
		for i, a := range args {
			pk, err := solana.PublicKeyFromBase58(a)
			if err != nil {
				fmt.Printf("地址格式错误 %s: %v\n", a, err)
				os.Exit(1)
			}
			wallets[i] = pk
		}

		client := chain.NewRPCClient(config.Global.Chain.RpcUrl, config.Global.Chain.Commitment)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// 1. SOL 余额
		accounts, err := client.GetMultipleAccounts(ctx, wallets)
		if err != nil {
			fmt.Printf("❌ 查询失败: %v\n", err)
			os.Exit(1)
		}

		// 2. 代币余额 (可选)
		var tokens []*chain.AccountInfo
		if mintStr != "" {
			mint := solana.MustPublicKeyFromBase58(mintStr)
			tokenProgram := solana.MustPublicKeyFromBase58(program)
			atas := make([]solana.PublicKey, len(wallets))
			for i, w := range wallets {
				if atas[i], err = chain.AssociatedTokenAddress(w, mint, tokenProgram); err != nil {
					fmt.Printf("推导 ATA 失败: %v\n", err)
					os.Exit(1)
				}
			}
			if tokens, err = client.GetMultipleAccounts(ctx, atas); err != nil {
				fmt.Printf("❌ 查询代币账户失败: %v\n", err)
				os.Exit(1)
			}
		}

		for i, w := range wallets {
			var lamports uint64
			if accounts[i] != nil {
				lamports = accounts[i].Lamports
			}
			line := fmt.Sprintf("%s  %s SOL", w, chain.LamportsToSOL(lamports).String())
			if tokens != nil {
				var raw uint64
				if tokens[i] != nil {
					raw, _ = chain.TokenAmount(tokens[i].Data)
				}
				line += fmt.Sprintf("  %s token", chain.UIAmount(raw, config.Global.Chain.TokenDecimals).String())
			}
			fmt.Println(line)
		}
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().String("mint", "", "同时查询该代币的余额")
	balanceCmd.Flags().String("token-program", solana.TokenProgramID.String(), "代币所属的 token program")
}
