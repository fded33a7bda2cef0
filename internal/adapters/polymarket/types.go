package polymarket

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Raw DTOs of the Polymarket CLOB API. They are used only inside this
// package; mapping.go converts them to domain types.

// numText is a numeric field the API sends either as a JSON string or as a
// JSON number. The literal text is kept so price precision can be inferred.
type numText string

func (n *numText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numText(s)
		return nil
	}
	*n = numText(b)
	return nil
}

// Float returns the value, or 0 if the field is empty or malformed.
func (n numText) Float() float64 {
	v, _ := strconv.ParseFloat(string(n), 64)
	return v
}

// Set reports whether the field carried a value.
func (n numText) Set() bool { return n != "" }

// --- CLOB API ---

// orderBookResponse is the body of GET /book. The ladder fields are the
// normal shape; best_bid/best_ask and price are accepted when the ladder is
// missing.
type orderBookResponse struct {
	AssetID  string         `json:"asset_id"`
	Market   string         `json:"market"`
	Bids     []bookEntryRaw `json:"bids"`
	Asks     []bookEntryRaw `json:"asks"`
	TickSize numText        `json:"tick_size"`
	BestBid  numText        `json:"best_bid"`
	BestAsk  numText        `json:"best_ask"`
	Price    numText        `json:"price"`
}

// bookEntryRaw is one price level.
type bookEntryRaw struct {
	Price numText `json:"price"`
	Size  numText `json:"size"`
}

// clobOrderRequest is the JSON body sent to POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

// clobOrder is one order as returned by GET /data/order/{id} and
// GET /data/orders. Fill fields vary between API versions.
type clobOrder struct {
	ID           string     `json:"id"`
	OrderID      string     `json:"orderID"`
	AssetID      string     `json:"asset_id"`
	Side         string     `json:"side"`
	Status       string     `json:"status"`
	OriginalSize numText    `json:"original_size"`
	Size         numText    `json:"size"`
	SizeMatched  numText    `json:"size_matched"`
	FilledAmount numText    `json:"filledAmount"`
	Price        numText    `json:"price"`
	AvgPrice     numText    `json:"avgPrice"`
	Fills        []clobFill `json:"fills"`
	ErrorMsg     string     `json:"errorMsg"`
}

type clobFill struct {
	Price numText `json:"price"`
	Size  numText `json:"size"`
}

type clobOrdersPage struct {
	Data       []clobOrder `json:"data"`
	NextCursor string      `json:"next_cursor"`
}

type clobCancelRequest struct {
	OrderID string `json:"orderID"`
}

type clobCancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type clobNegRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}

// --- Market websocket ---

type wsSubscribe struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// wsEvent is one market channel event. Older payloads name the ladders
// buys/sells and carry price_change deltas under changes.
type wsEvent struct {
	EventType    string         `json:"event_type"`
	AssetID      string         `json:"asset_id"`
	Bids         []bookEntryRaw `json:"bids"`
	Asks         []bookEntryRaw `json:"asks"`
	Buys         []bookEntryRaw `json:"buys"`
	Sells        []bookEntryRaw `json:"sells"`
	Changes      []wsChange     `json:"changes"`
	PriceChanges []wsChange     `json:"price_changes"`
}

type wsChange struct {
	AssetID string  `json:"asset_id"`
	Price   numText `json:"price"`
	Size    numText `json:"size"`
	Side    string  `json:"side"`
	BestBid numText `json:"best_bid"`
	BestAsk numText `json:"best_ask"`
}
