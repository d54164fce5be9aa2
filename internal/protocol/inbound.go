package protocol

// ControllerMessage 控制端发来的消息，只有本包内的类型可以实现
type ControllerMessage interface {
	controllerMessage()
}

// SignerMessage 签名端发来的消息
type SignerMessage interface {
	signerMessage()
}

// Ping 双方共用的心跳
type Ping struct {
	Type string `json:"type"`
}

func (*Ping) controllerMessage() {}
func (*Ping) signerMessage()     {}

// ---- controller -> server ----

type GetWallets struct {
	Type string `json:"type"`
}

type SetTrackedToken struct {
	Type         string `json:"type"`
	Mint         string `json:"mint" validate:"required,pubkey"`
	TokenProgram string `json:"tokenProgram" validate:"omitempty,pubkey"`
}

type TradeRequest struct {
	Type     string `json:"type"`
	Action   string `json:"action" validate:"required,oneof=buy sell"`
	Wallet   string `json:"wallet" validate:"required,pubkey"`
	Mint     string `json:"mint" validate:"required,pubkey"`
	Amount   string `json:"amount" validate:"required,numeric"`
	UseRelay bool   `json:"useRelay"`
}

type BundleTradeRequest struct {
	Type    string   `json:"type"`
	Action  string   `json:"action" validate:"required,oneof=buy sell"`
	Wallets []string `json:"wallets" validate:"required,min=1,max=100,dive,pubkey"`
	Mint    string   `json:"mint" validate:"required,pubkey"`
	Amount  string   `json:"amount" validate:"required,numeric"`
}

type NukeRequest struct {
	Type         string   `json:"type"`
	Wallets      []string `json:"wallets" validate:"required,min=2,max=100,dive,pubkey"`
	Mint         string   `json:"mint" validate:"required,pubkey"`
	TokenProgram string   `json:"tokenProgram" validate:"omitempty,pubkey"`
}

type Recipient struct {
	Address string `json:"address" validate:"required,pubkey"`
	Amount  string `json:"amount" validate:"required,numeric"` // SOL
}

type DistributeSolRequest struct {
	Type       string      `json:"type"`
	Sender     string      `json:"sender" validate:"required,pubkey"`
	Recipients []Recipient `json:"recipients" validate:"required,min=1,max=50,dive"`
}

func (*GetWallets) controllerMessage()           {}
func (*SetTrackedToken) controllerMessage()      {}
func (*TradeRequest) controllerMessage()         {}
func (*BundleTradeRequest) controllerMessage()   {}
func (*NukeRequest) controllerMessage()          {}
func (*DistributeSolRequest) controllerMessage() {}

// ---- signer -> server ----

const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

type SignResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=approved rejected"`
	Signature string `json:"signature,omitempty" validate:"required_if=Status approved"`
	Reason    string `json:"reason,omitempty"`
}

type SignBundleResponse struct {
	Type               string   `json:"type"`
	RequestID          string   `json:"requestId" validate:"required"`
	Status             string   `json:"status" validate:"required,oneof=approved rejected"`
	SignedTransactions []string `json:"signedTransactions,omitempty" validate:"required_if=Status approved"`
	Reason             string   `json:"reason,omitempty"`
}

type WalletEntry struct {
	PublicKey string `json:"publicKey" validate:"required,pubkey"`
	Label     string `json:"label,omitempty" validate:"max=64"`
}

type WalletList struct {
	Type    string        `json:"type"`
	Wallets []WalletEntry `json:"wallets" validate:"dive"`
}

type WalletUpdate struct {
	Type   string      `json:"type"`
	Action string      `json:"action" validate:"required,oneof=add remove update"`
	Wallet WalletEntry `json:"wallet"`
}

func (*SignResponse) signerMessage()       {}
func (*SignBundleResponse) signerMessage() {}
func (*WalletList) signerMessage()         {}
func (*WalletUpdate) signerMessage()       {}
