package protocol

import (
	"encoding/json"
	"fmt"

	"relay-core/pkg/errno"
	"relay-core/pkg/validator"
)

var controllerTypes = map[string]func() ControllerMessage{
	"ping":                   func() ControllerMessage { return &Ping{} },
	"get_wallets":            func() ControllerMessage { return &GetWallets{} },
	"set_tracked_token":      func() ControllerMessage { return &SetTrackedToken{} },
	"trade_request":          func() ControllerMessage { return &TradeRequest{} },
	"bundle_trade_request":   func() ControllerMessage { return &BundleTradeRequest{} },
	"nuke_request":           func() ControllerMessage { return &NukeRequest{} },
	"distribute_sol_request": func() ControllerMessage { return &DistributeSolRequest{} },
}

var signerTypes = map[string]func() SignerMessage{
	"ping":                 func() SignerMessage { return &Ping{} },
	"sign_response":        func() SignerMessage { return &SignResponse{} },
	"sign_bundle_response": func() SignerMessage { return &SignBundleResponse{} },
	"wallet_list":          func() SignerMessage { return &WalletList{} },
	"wallet_update":        func() SignerMessage { return &WalletUpdate{} },
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeController 解析并校验控制端消息，返回消息及其 type 标签
func DecodeController(raw []byte) (ControllerMessage, string, error) {
	typ, err := peekType(raw)
	if err != nil {
		return nil, "", err
	}
	newMsg, ok := controllerTypes[typ]
	if !ok {
		return nil, typ, errno.ErrUnknownMessage.WithMessage(fmt.Sprintf("unknown controller message type %q", typ))
	}
	msg := newMsg()
	if err := decodeInto(raw, msg); err != nil {
		return nil, typ, err
	}
	return msg, typ, nil
}

// DecodeSigner 解析并校验签名端消息
func DecodeSigner(raw []byte) (SignerMessage, string, error) {
	typ, err := peekType(raw)
	if err != nil {
		return nil, "", err
	}
	newMsg, ok := signerTypes[typ]
	if !ok {
		return nil, typ, errno.ErrUnknownMessage.WithMessage(fmt.Sprintf("unknown signer message type %q", typ))
	}
	msg := newMsg()
	if err := decodeInto(raw, msg); err != nil {
		return nil, typ, err
	}
	return msg, typ, nil
}

func peekType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", errno.ErrValidation.WithMessage("malformed message: " + err.Error())
	}
	if env.Type == "" {
		return "", errno.ErrValidation.WithMessage("type 不能为空")
	}
	return env.Type, nil
}

func decodeInto(raw []byte, msg interface{}) error {
	if err := json.Unmarshal(raw, msg); err != nil {
		return errno.ErrValidation.WithMessage("malformed message: " + err.Error())
	}
	if err := validator.Struct(msg); err != nil {
		return errno.ErrValidation.WithMessage(err.Error())
	}
	return nil
}
