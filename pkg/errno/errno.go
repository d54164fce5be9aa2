package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// WithMessage 返回同一错误码、替换了描述信息的副本
func (e Errno) WithMessage(msg string) Errno {
	return Errno{Code: e.Code, Message: msg}
}

// Is 让 errors.Is 按错误码匹配，WithMessage 产生的副本仍然等于原始错误
func (e Errno) Is(target error) bool {
	var t Errno
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, typed.Message
	}
	var ptr *Errno
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrValidation       = Errno{Code: 10002, Message: "Invalid request parameters"}
	ErrAuthentication   = Errno{Code: 10003, Message: "Credential invalid or expired"}
	ErrAuthorization    = Errno{Code: 10005, Message: "Resource does not belong to this user"}
	ErrUpstream         = Errno{Code: 10006, Message: "Upstream unavailable"}
	ErrUnknownMessage   = Errno{Code: 10007, Message: "Unknown message type"}
)

// Business Errors (30000+)
var (
	ErrSettlementTimeout   = Errno{Code: 30001, Message: "Counterpart did not respond in time"}
	ErrPartialSubmission   = Errno{Code: 30002, Message: "Some relay submissions failed"}
	ErrVerificationTimeout = Errno{Code: 30003, Message: "Balance convergence not observed in time"}
	ErrSignerOffline       = Errno{Code: 30004, Message: "Signer is not connected"}
	ErrSignRejected        = Errno{Code: 30005, Message: "Signer rejected the request"}
	ErrRelayExhausted      = Errno{Code: 30006, Message: "All relay attempts failed"}
	ErrJobInProgress       = Errno{Code: 30007, Message: "Another job is already running for this user"}
)
