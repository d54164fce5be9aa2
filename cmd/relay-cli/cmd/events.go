package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"relay-core/internal/event"
	"relay-core/internal/service/mq"
	"relay-core/pkg/config"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "订阅并打印提交结果事件",
	Long:  `从 Redis Streams 或 Kafka (取决于 redis.mq_type) 消费 relay_events_submission，Ctrl+C 退出。`,
	Run: func(cmd *cobra.Command, args []string) {
		group, _ := cmd.Flags().GetString("group")

		var consumer mq.Consumer
		if config.Global.Redis.MQType == "kafka" {
			consumer = mq.NewKafkaConsumer(config.Global.Kafka.Brokers, group)
		} else {
			rdb := mustRedis()
			defer rdb.Close()
			consumer = mq.NewRedisConsumer(rdb, group, "relay-cli")
		}
		defer consumer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("正在订阅 %s ...\n", event.TopicSubmission)
		err := consumer.Subscribe(ctx, event.TopicSubmission, func(msg *mq.Message) error {
			var ev event.SubmissionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				fmt.Printf("无法解析事件 %s: %v\n", msg.ID, err)
				return nil
			}
			status := "✅"
			if !ev.Success {
				status = "❌"
			}
			fmt.Printf("%s %s %s/%s txs=%d attempts=%d id=%s %s\n",
				status, ev.Timestamp.Format("15:04:05"), ev.Path, ev.Kind, ev.TxCount, ev.Attempts, ev.ID, ev.Error)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			fmt.Printf("❌ 订阅失败: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().String("group", "relay_cli", "消费组")
}
