package tip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"relay-core/internal/chain"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type floorSample struct {
	Time         string          `json:"time"`
	Landed25th   decimal.Decimal `json:"landed_tips_25th_percentile"`
	Landed50th   decimal.Decimal `json:"landed_tips_50th_percentile"`
	Landed75th   decimal.Decimal `json:"landed_tips_75th_percentile"`
	EmaLanded50h decimal.Decimal `json:"ema_landed_tips_50th_percentile"`
}

// Refresher 定时拉取 tip floor 写入 State
type Refresher struct {
	cron     *cron.Cron
	client   *retryablehttp.Client
	url      string
	interval time.Duration
	state    *State
	log      *zap.Logger
}

func NewRefresher(state *State, url string, interval time.Duration) *Refresher {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Refresher{
		cron:     cron.New(),
		client:   rc,
		url:      url,
		interval: interval,
		state:    state,
		log:      logger.Named("tip"),
	}
}

func (r *Refresher) Start() error {
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		defer cancel()
		_ = r.Refresh(ctx)
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("[Tip] Refresher started", zap.Duration("interval", r.interval))
	return nil
}

func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info("[Tip] Refresher stopped")
}

// Refresh 拉取一次 tip floor，取已落地 tip 的 50 分位
func (r *Refresher) Refresh(ctx context.Context) error {
	lamports, err := r.Fetch(ctx)
	if err != nil {
		r.log.Warn("[Tip] 拉取 tip floor 失败，保留上一次的值", zap.Error(err))
		return err
	}
	r.state.Set(lamports, time.Now())
	monitor.Business.TipFloorLamports.Set(float64(lamports))
	r.log.Debug("[Tip] tip floor 已更新", zap.Uint64("lamports", lamports))
	return nil
}

// Fetch 只读取不写入 State (CLI 使用)
func (r *Refresher) Fetch(ctx context.Context) (uint64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("tip floor status %d", resp.StatusCode)
	}

	var samples []floorSample
	if err := json.NewDecoder(resp.Body).Decode(&samples); err != nil {
		return 0, fmt.Errorf("decode tip floor: %w", err)
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("tip floor empty")
	}

	lamports := chain.SOLToLamports(samples[0].Landed50th)
	if lamports == 0 {
		return 0, fmt.Errorf("tip floor is zero")
	}
	return lamports, nil
}
