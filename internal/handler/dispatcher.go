package handler

import (
	"context"
	"fmt"

	"relay-core/internal/chain"
	"relay-core/internal/hub"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/internal/service/distribute"
	"relay-core/internal/service/wallets"
	"relay-core/internal/trade"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Peer 消息来源连接
type Peer interface {
	UserID() string
	Send(v interface{}) error
}

type SignResponder interface {
	HandleResponse(userID string, resp *protocol.SignResponse) error
}

type BundleResponder interface {
	HandleResponse(userID string, resp *protocol.SignBundleResponse) error
}

type Trader interface {
	Trade(ctx context.Context, userID string, p trade.Params) (string, error)
	BundleTrade(ctx context.Context, userID, action string, wallets []solana.PublicKey, mint solana.PublicKey, amount decimal.Decimal) (string, int, error)
}

type Consolidator interface {
	Start(ctx context.Context, userID string, wallets []solana.PublicKey, mint, tokenProgram solana.PublicKey) (string, error)
}

type Distributor interface {
	Distribute(ctx context.Context, userID string, sender solana.PublicKey, transfers []distribute.Transfer) distribute.Summary
}

// Refresher 钱包集合变化后重启轮询
type Refresher interface {
	Refresh(userID string)
}

// Dispatcher 按角色把入站消息分发到各 service
type Dispatcher struct {
	Wallets      *wallets.Store
	Peers        hub.Messenger
	Poller       Refresher
	Signs        SignResponder
	Bundles      BundleResponder
	Trader       Trader
	Consolidator Consolidator
	Distributor  Distributor

	// 长耗时任务 (分发) 使用的上下文，跟随进程而不是单条消息
	BaseCtx context.Context
}

// HandleController 解析并处理控制端消息，任何错误都转换成 error 帧回给来源连接
func (d *Dispatcher) HandleController(ctx context.Context, from Peer, raw []byte) {
	typ := ""
	defer d.rescue(from, &typ)

	msg, t, err := protocol.DecodeController(raw)
	typ = t
	if err == nil {
		err = d.controller(ctx, from, msg)
	}
	if err != nil {
		d.reply(from, typ, err)
	}
}

// HandleSigner 解析并处理签名端消息
func (d *Dispatcher) HandleSigner(ctx context.Context, from Peer, raw []byte) {
	typ := ""
	defer d.rescue(from, &typ)

	msg, t, err := protocol.DecodeSigner(raw)
	typ = t
	if err == nil {
		err = d.signer(ctx, from, msg)
	}
	if err != nil {
		d.reply(from, typ, err)
	}
}

func (d *Dispatcher) rescue(from Peer, typ *string) {
	if r := recover(); r != nil {
		logger.Error("[Dispatch] 处理消息时 panic", zap.String("type", *typ), zap.Any("panic", r), zap.Stack("stack"))
		d.reply(from, *typ, errno.InternalServerError)
	}
}

func (d *Dispatcher) reply(from Peer, typ string, err error) {
	code, msg := errno.Decode(err)
	logger.Warn("[Dispatch] 请求处理失败",
		zap.String("user_id", from.UserID()),
		zap.String("type", typ),
		zap.Int("code", code),
		zap.String("message", msg),
	)
	_ = from.Send(protocol.NewError(code, msg, typ))
}

func (d *Dispatcher) controller(ctx context.Context, from Peer, msg protocol.ControllerMessage) error {
	userID := from.UserID()

	switch m := msg.(type) {
	case *protocol.Ping:
		return from.Send(protocol.NewPong())

	case *protocol.GetWallets:
		return from.Send(protocol.NewWalletList(d.Wallets.List(userID)))

	case *protocol.SetTrackedToken:
		tracked := model.TrackedToken{Mint: solana.MustPublicKeyFromBase58(m.Mint), TokenProgram: solana.TokenProgramID}
		if m.TokenProgram != "" {
			tracked.TokenProgram = solana.MustPublicKeyFromBase58(m.TokenProgram)
		}
		d.Wallets.SetTracked(userID, tracked)
		d.Poller.Refresh(userID)
		return from.Send(protocol.NewTrackedTokenSet(tracked))

	case *protocol.TradeRequest:
		wallet := solana.MustPublicKeyFromBase58(m.Wallet)
		if err := d.Wallets.Authorize(userID, wallet); err != nil {
			return err
		}
		amount, err := decimal.NewFromString(m.Amount)
		if err != nil {
			return errno.ErrValidation.WithMessage("invalid amount")
		}
		p := trade.Params{
			Action:   m.Action,
			Wallet:   wallet,
			Mint:     solana.MustPublicKeyFromBase58(m.Mint),
			Amount:   amount,
			UseRelay: m.UseRelay,
		}
		if tracked := d.Wallets.Tracked(userID); tracked != nil && tracked.Mint.Equals(p.Mint) {
			p.TokenProgram = tracked.TokenProgram
		}
		id, err := d.Trader.Trade(ctx, userID, p)
		if err != nil {
			return err
		}
		return from.Send(protocol.NewTradeDispatched(id, m.Action))

	case *protocol.BundleTradeRequest:
		keys, err := d.owned(userID, m.Wallets)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(m.Amount)
		if err != nil {
			return errno.ErrValidation.WithMessage("invalid amount")
		}
		jobID, bundles, err := d.Trader.BundleTrade(ctx, userID, m.Action, keys, solana.MustPublicKeyFromBase58(m.Mint), amount)
		if err != nil {
			return err
		}
		return from.Send(protocol.NewBundleDispatched(jobID, bundles))

	case *protocol.NukeRequest:
		keys, err := d.owned(userID, m.Wallets)
		if err != nil {
			return err
		}
		program := solana.TokenProgramID
		if m.TokenProgram != "" {
			program = solana.MustPublicKeyFromBase58(m.TokenProgram)
		}
		// 进度与结果由归集服务推送
		_, err = d.Consolidator.Start(ctx, userID, keys, solana.MustPublicKeyFromBase58(m.Mint), program)
		return err

	case *protocol.DistributeSolRequest:
		sender := solana.MustPublicKeyFromBase58(m.Sender)
		if err := d.Wallets.Authorize(userID, sender); err != nil {
			return err
		}
		transfers := make([]distribute.Transfer, 0, len(m.Recipients))
		for i, r := range m.Recipients {
			amount, err := decimal.NewFromString(r.Amount)
			if err != nil || !amount.IsPositive() {
				return errno.ErrValidation.WithMessage(fmt.Sprintf("recipients[%d] amount must be positive", i))
			}
			transfers = append(transfers, distribute.Transfer{
				Recipient: solana.MustPublicKeyFromBase58(r.Address),
				Lamports:  chain.SOLToLamports(amount),
			})
		}
		base := d.BaseCtx
		if base == nil {
			base = context.Background()
		}
		go d.Distributor.Distribute(base, userID, sender, transfers)
		return nil
	}
	return errno.ErrUnknownMessage
}

func (d *Dispatcher) signer(ctx context.Context, from Peer, msg protocol.SignerMessage) error {
	userID := from.UserID()

	switch m := msg.(type) {
	case *protocol.Ping:
		return from.Send(protocol.NewPong())

	case *protocol.SignResponse:
		return d.Signs.HandleResponse(userID, m)

	case *protocol.SignBundleResponse:
		return d.Bundles.HandleResponse(userID, m)

	case *protocol.WalletList:
		records := make([]model.WalletRecord, 0, len(m.Wallets))
		for _, w := range m.Wallets {
			records = append(records, model.WalletRecord{PublicKey: solana.MustPublicKeyFromBase58(w.PublicKey), Label: w.Label})
		}
		d.Wallets.Replace(userID, records)
		d.walletsChanged(userID)
		return nil

	case *protocol.WalletUpdate:
		if m.Wallet.PublicKey == "" {
			return errno.ErrValidation.WithMessage("wallet.publicKey 不能为空")
		}
		pk := solana.MustPublicKeyFromBase58(m.Wallet.PublicKey)
		switch m.Action {
		case "remove":
			d.Wallets.Remove(userID, pk)
		default:
			d.Wallets.Upsert(userID, model.WalletRecord{PublicKey: pk, Label: m.Wallet.Label})
		}
		d.walletsChanged(userID)
		return nil
	}
	return errno.ErrUnknownMessage
}

// walletsChanged 把完整钱包列表转发给控制端并重启轮询
func (d *Dispatcher) walletsChanged(userID string) {
	if err := d.Peers.SendToController(userID, protocol.NewWalletList(d.Wallets.List(userID))); err != nil {
		logger.Debug("[Dispatch] 控制端不在线，钱包列表未转发", zap.String("user_id", userID))
	}
	d.Poller.Refresh(userID)
}

// owned 解析钱包并确认都属于该用户
func (d *Dispatcher) owned(userID string, addrs []string) ([]solana.PublicKey, error) {
	keys := make([]solana.PublicKey, len(addrs))
	for i, a := range addrs {
		keys[i] = solana.MustPublicKeyFromBase58(a)
	}
	if err := d.Wallets.Authorize(userID, keys...); err != nil {
		return nil, err
	}
	return keys, nil
}
