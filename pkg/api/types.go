package api

// Request and response shapes for the REST surface.

// OrderRequest places or cancels a local order. Price and Amount are
// canonical fixed-scale decimal strings.
type OrderRequest struct {
	Contract string `json:"contract"`
	Side     string `json:"side"` // "buy" or "sell"
	ID       uint64 `json:"id"`
	Price    string `json:"price"`
	Amount   string `json:"amount"`
}

// BookEntry is one order line in a book response.
type BookEntry struct {
	ID     uint64 `json:"id,omitempty"`
	Price  string `json:"p"`
	Amount string `json:"a"`
}

// BookResponse is a nostro or market snapshot.
type BookResponse struct {
	Contract string      `json:"contract"`
	Channel  string      `json:"channel"`
	Buy      []BookEntry `json:"buy"`
	Sell     []BookEntry `json:"sell"`
}

// LockResponse reports a contract's auction lock.
type LockResponse struct {
	Contract string `json:"contract"`
	State    string `json:"state"`
	Height   uint64 `json:"height,omitempty"`
}

// StatusResponse is the node health/status report.
type StatusResponse struct {
	Identity  string   `json:"identity"`
	Height    uint64   `json:"height"`
	Contracts []string `json:"contracts"`
}

type errorResponse struct {
	Error string `json:"error"`
}
