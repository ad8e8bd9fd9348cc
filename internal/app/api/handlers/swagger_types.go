package handlers

import (
	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/app/service/checkout"
	"github.com/fanvault/pointpay/pkg/response"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespBalance wraps balanceResp in the standard envelope.
type RespBalance struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    balanceResp              `json:"data"`
}

// RespTransactions wraps listTransactionsResp in the standard envelope.
type RespTransactions struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    listTransactionsResp     `json:"data"`
}

// RespPayWithPoints wraps checkout.PayWithPointsResult in the standard envelope.
type RespPayWithPoints struct {
	Code    response.APIResponseCode     `json:"code"`
	Message string                       `json:"message"`
	Data    checkout.PayWithPointsResult `json:"data"`
}

// RespCheckout wraps checkout.HybridCheckoutResult in the standard envelope.
type RespCheckout struct {
	Code    response.APIResponseCode      `json:"code"`
	Message string                        `json:"message"`
	Data    checkout.HybridCheckoutResult `json:"data"`
}

// RespAuditLogs wraps auditlog.ScanResponse in the standard envelope.
type RespAuditLogs struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    auditlog.ScanResponse    `json:"data"`
}

// RespAuditLog wraps a single audit log in the standard envelope.
type RespAuditLog struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}
