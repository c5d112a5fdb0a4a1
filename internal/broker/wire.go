package broker

import "encoding/json"

// frame models the broker's text JSON wire protocol (§6). Both outbound
// requests and inbound responses share one envelope shape; fields not
// relevant to a given message are simply omitted.
type frame struct {
	ReqID   int64           `json:"req_id,omitempty"`
	MsgType string          `json:"msg_type,omitempty"`
	Raw     json.RawMessage `json:"-"`

	Authorize *authorizeResp `json:"authorize,omitempty"`
	Tick      *tickFrame     `json:"tick,omitempty"`
	Subscription *subscriptionFrame `json:"subscription,omitempty"`
	Proposal  *proposalResp  `json:"proposal,omitempty"`
	Buy       *buyResp       `json:"buy,omitempty"`
	Sell      *sellResp      `json:"sell,omitempty"`
	ProposalOpenContract *contractFrame `json:"proposal_open_contract,omitempty"`
	Ping      *struct{}      `json:"ping,omitempty"`
	Pong      *struct{}      `json:"pong,omitempty"`
	Error     *errorFrame    `json:"error,omitempty"`
}

type authorizeResp struct {
	LoginID string `json:"loginid"`
}

type tickFrame struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Epoch  int64   `json:"epoch"`
}

type subscriptionFrame struct {
	ID string `json:"id"`
}

type proposalResp struct {
	ID       string  `json:"id"`
	AskPrice float64 `json:"ask_price"`
	Payout   float64 `json:"payout"`
	Longcode string  `json:"longcode"`
}

type buyResp struct {
	ContractID    int64   `json:"contract_id"`
	BuyPrice      float64 `json:"buy_price"`
	TransactionID int64   `json:"transaction_id"`
	StartTime     int64   `json:"start_time"`
	Longcode      string  `json:"longcode"`
}

type sellResp struct {
	SoldFor       float64 `json:"sold_for"`
	TransactionID int64   `json:"transaction_id"`
}

type contractFrame struct {
	ContractID int64   `json:"contract_id"`
	IsSold     int     `json:"is_sold"`
	Profit     float64 `json:"profit"`
	SellPrice  float64 `json:"sell_price"`
	Status     string  `json:"status"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// outbound request payloads keyed to match the broker's field names (§6).
type tickRequest struct {
	Ticks    string `json:"ticks"`
	Subscribe int   `json:"subscribe,omitempty"`
	ReqID    int64  `json:"req_id"`
}

type forgetRequest struct {
	Forget string `json:"forget"`
	ReqID  int64  `json:"req_id"`
}

type authorizeRequest struct {
	Authorize string `json:"authorize"`
	ReqID     int64  `json:"req_id"`
}

type proposalRequest struct {
	Proposal    int     `json:"proposal"`
	Amount      float64 `json:"amount"`
	Basis       string  `json:"basis"`
	ContractType string `json:"contract_type"`
	Currency    string  `json:"currency"`
	Duration    int     `json:"duration"`
	DurationUnit string `json:"duration_unit"`
	Symbol      string  `json:"symbol"`
	ReqID       int64   `json:"req_id"`
}

type buyRequest struct {
	Buy   string  `json:"buy"`
	Price float64 `json:"price"`
	ReqID int64   `json:"req_id"`
}

type sellRequest struct {
	Sell  int64   `json:"sell"`
	Price float64 `json:"price"`
	ReqID int64   `json:"req_id"`
}

type cancelRequest struct {
	Cancel int64 `json:"cancel"`
	ReqID  int64 `json:"req_id"`
}

type monitorRequest struct {
	ProposalOpenContract int   `json:"proposal_open_contract"`
	ContractID           int64 `json:"contract_id"`
	Subscribe            int   `json:"subscribe"`
	ReqID                int64 `json:"req_id"`
}

type pingRequest struct {
	Ping  int   `json:"ping"`
	ReqID int64 `json:"req_id"`
}
