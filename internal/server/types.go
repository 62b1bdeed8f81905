package server

import (
	"time"

	"github.com/rezonia/ksef-fetcher/internal/render"
	"github.com/rezonia/ksef-fetcher/internal/state"
)

// StateResponse is the response for the state endpoint
type StateResponse struct {
	Cursors []state.Entry `json:"cursors"`
}

// InvoiceInfo describes one stored invoice document
type InvoiceInfo struct {
	Name       string           `json:"name"`
	KSeFNumber string           `json:"ksefNumber"`
	Document   *render.Document `json:"document,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// InvoiceListResponse is the response for the invoice listing endpoint
type InvoiceListResponse struct {
	Count    int           `json:"count"`
	Invoices []InvoiceInfo `json:"invoices"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SyncStatus reports the last run started through the API
type SyncStatus struct {
	Running    bool       `json:"running"`
	LastRunID  string     `json:"lastRunId,omitempty"`
	LastStart  *time.Time `json:"lastStart,omitempty"`
	LastFinish *time.Time `json:"lastFinish,omitempty"`
	LastCount  int        `json:"lastCount"`
	LastError  string     `json:"lastError,omitempty"`
}
