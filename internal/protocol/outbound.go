package protocol

import (
	"time"

	"relay-core/internal/model"
)

// ---- 连接生命周期 ----

type ConnectionAck struct {
	Type         string     `json:"type"`
	ConnectionID string     `json:"connectionId"`
	Role         model.Role `json:"role"`
	ServerTime   int64      `json:"serverTime"`
}

func NewConnectionAck(id string, role model.Role) ConnectionAck {
	return ConnectionAck{Type: "connection_ack", ConnectionID: id, Role: role, ServerTime: time.Now().UnixMilli()}
}

type AuthSuccess struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Tier   string `json:"tier"`
}

func NewAuthSuccess(p model.Principal) AuthSuccess {
	return AuthSuccess{Type: "auth_success", UserID: p.UserID, Tier: p.Tier}
}

type AuthFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewAuthFailed(reason string) AuthFailed {
	return AuthFailed{Type: "auth_failed", Reason: reason}
}

// Presence signer_connected / signer_disconnected / controller_connected / controller_disconnected
type Presence struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func NewPresence(peer model.Role, connected bool) Presence {
	suffix := "_disconnected"
	if connected {
		suffix = "_connected"
	}
	return Presence{Type: string(peer) + suffix, Timestamp: time.Now().UnixMilli()}
}

type Pong struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

func NewPong() Pong {
	return Pong{Type: "pong", ServerTime: time.Now().UnixMilli()}
}

// Error 分发边界统一的错误帧
type Error struct {
	Type        string `json:"type"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

func NewError(code int, message, requestType string) Error {
	return Error{Type: "error", Code: code, Message: message, RequestType: requestType}
}

// ---- 签名 ----

// SignRequest 单笔签名请求。UnsignedTxSerialized 是完整交易的 base64，
// 签名位按 fee payer 在前的顺序补零，签名端对其中的 message 签名并回传 base58 签名。
type SignRequest struct {
	Type                 string            `json:"type"`
	ID                   string            `json:"id"`
	UnsignedTxSerialized string            `json:"unsignedTxSerialized"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

func NewSignRequest(id, unsignedTx string, meta map[string]string) SignRequest {
	return SignRequest{Type: "sign_request", ID: id, UnsignedTxSerialized: unsignedTx, Metadata: meta}
}

// BundleTx 与 SignRequest 相同的编码: 完整交易 base64，签名位补零。
// Signers 列出签名端需要补上的账户，签名端回传整笔已签交易。
type BundleTx struct {
	Serialized string   `json:"serialized"`
	Signers    []string `json:"signers"`
}

type SignBundleRequest struct {
	Type         string     `json:"type"`
	ID           string     `json:"id"`
	JobID        string     `json:"jobId"`
	JobType      string     `json:"jobType"`
	BundleIndex  int        `json:"bundleIndex"`
	BundleCount  int        `json:"bundleCount"`
	Transactions []BundleTx `json:"transactions"`
}

func NewSignBundleRequest(id, jobID string, jobType model.JobType, index, count int, txs []BundleTx) SignBundleRequest {
	return SignBundleRequest{
		Type:         "sign_bundle_request",
		ID:           id,
		JobID:        jobID,
		JobType:      string(jobType),
		BundleIndex:  index,
		BundleCount:  count,
		Transactions: txs,
	}
}

type SignRejected struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

func NewSignRejected(requestID, reason string) SignRejected {
	return SignRejected{Type: "sign_rejected", RequestID: requestID, Reason: reason}
}

type SignTimeout struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

func NewSignTimeout(requestID string) SignTimeout {
	return SignTimeout{Type: "sign_timeout", RequestID: requestID}
}

// ---- 提交 ----

type TransactionSubmitted struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	TxID      string `json:"txId"`
	Path      string `json:"path"`
}

func NewTransactionSubmitted(requestID, txID, path string) TransactionSubmitted {
	return TransactionSubmitted{Type: "transaction_submitted", RequestID: requestID, TxID: txID, Path: path}
}

type SubmissionFailed struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

func NewSubmissionFailed(requestID, reason string) SubmissionFailed {
	return SubmissionFailed{Type: "submission_failed", RequestID: requestID, Reason: reason}
}

type BundleSubmitted struct {
	Type      string   `json:"type"`
	JobID     string   `json:"jobId"`
	BundleIDs []string `json:"bundleIds"`
	AnyFailed bool     `json:"anyFailed"`
}

func NewBundleSubmitted(jobID string, ids []string, anyFailed bool) BundleSubmitted {
	if ids == nil {
		ids = []string{}
	}
	return BundleSubmitted{Type: "bundle_submitted", JobID: jobID, BundleIDs: ids, AnyFailed: anyFailed}
}

type BundleFailed struct {
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
}

func NewBundleFailed(jobID, reason string) BundleFailed {
	return BundleFailed{Type: "bundle_failed", JobID: jobID, Reason: reason}
}

// ---- 交易请求回执 ----

type TradeDispatched struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
}

func NewTradeDispatched(requestID, action string) TradeDispatched {
	return TradeDispatched{Type: "trade_dispatched", RequestID: requestID, Action: action}
}

type BundleDispatched struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Bundles int    `json:"bundles"`
}

func NewBundleDispatched(jobID string, bundles int) BundleDispatched {
	return BundleDispatched{Type: "bundle_dispatched", JobID: jobID, Bundles: bundles}
}

// ---- 钱包与余额 ----

type WalletView struct {
	PublicKey     string  `json:"publicKey"`
	Label         string  `json:"label,omitempty"`
	NativeBalance float64 `json:"nativeBalance"`
	TokenBalance  float64 `json:"tokenBalance"`
}

func NewWalletView(w model.WalletRecord) WalletView {
	return WalletView{
		PublicKey:     w.PublicKey.String(),
		Label:         w.Label,
		NativeBalance: w.Native.InexactFloat64(),
		TokenBalance:  w.Token.InexactFloat64(),
	}
}

type WalletListOut struct {
	Type    string       `json:"type"`
	Wallets []WalletView `json:"wallets"`
}

func NewWalletList(records []model.WalletRecord) WalletListOut {
	views := make([]WalletView, 0, len(records))
	for _, r := range records {
		views = append(views, NewWalletView(r))
	}
	return WalletListOut{Type: "wallet_list", Wallets: views}
}

type BalanceUpdate struct {
	Type      string       `json:"type"`
	Wallets   []WalletView `json:"wallets"`
	Changed   int          `json:"changed"`
	Timestamp int64        `json:"timestamp"`
}

func NewBalanceUpdate(records []model.WalletRecord, changed int) BalanceUpdate {
	out := NewWalletList(records)
	return BalanceUpdate{Type: "balance_update", Wallets: out.Wallets, Changed: changed, Timestamp: time.Now().UnixMilli()}
}

type TrackedTokenSet struct {
	Type         string `json:"type"`
	Mint         string `json:"mint"`
	TokenProgram string `json:"tokenProgram"`
}

func NewTrackedTokenSet(t model.TrackedToken) TrackedTokenSet {
	return TrackedTokenSet{Type: "tracked_token_set", Mint: t.Mint.String(), TokenProgram: t.TokenProgram.String()}
}

// ---- 归集 ----

const (
	NukeDispatched     = "dispatched"
	NukeNoBalance      = "no_balance"
	NukeFailed         = "failed"
	NukeSellDispatched = "sell_dispatched"
	NukeSellFailed     = "sell_failed"
	NukeInconclusive   = "inconclusive"
)

type NukeGatherComplete struct {
	Type        string `json:"type"`
	JobID       string `json:"jobId"`
	Destination string `json:"destination"`
	Received    string `json:"received"`
	Expected    string `json:"expected"`
}

func NewNukeGatherComplete(jobID, destination, received, expected string) NukeGatherComplete {
	return NukeGatherComplete{Type: "nuke_gather_complete", JobID: jobID, Destination: destination, Received: received, Expected: expected}
}

type NukeResponse struct {
	Type        string   `json:"type"`
	JobID       string   `json:"jobId"`
	Status      string   `json:"status"`
	Message     string   `json:"message,omitempty"`
	Destination string   `json:"destination,omitempty"`
	BundleIDs   []string `json:"bundleIds,omitempty"`
	RequestID   string   `json:"requestId,omitempty"`
}

func NewNukeResponse(jobID, status, message string) NukeResponse {
	return NukeResponse{Type: "nuke_response", JobID: jobID, Status: status, Message: message}
}

// ---- 分发 ----

const (
	DistributeStarted   = "started"
	DistributeSigning   = "signing"
	DistributeSubmitted = "submitted"
	DistributeConfirmed = "confirmed"
	DistributeFailed    = "failed"
	DistributeComplete  = "complete"
)

type DistributeSolUpdate struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Index     int    `json:"index"`
	Recipient string `json:"recipient,omitempty"`
	Status    string `json:"status"`
	TxID      string `json:"txId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Succeeded int    `json:"succeeded,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

func NewDistributeUpdate(jobID string, index int, recipient, status string) DistributeSolUpdate {
	return DistributeSolUpdate{Type: "distribute_sol_update", JobID: jobID, Index: index, Recipient: recipient, Status: status}
}
