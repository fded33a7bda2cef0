package polymarket

// trading.go: order execution and position reads against the Polymarket CLOB.
//
// Implements ports.TradingClient and ports.PositionProvider using AuthClient
// for L1/L2 auth. Every order is a GTC limit order that accepts partial fills.

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

const (
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ctfAddress   = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	// "LTE=" is the base64 empty cursor that marks the last page.
	lastCursor = "LTE="
)

// Reasons the CLOB gives for not cancelling an order that is already closed.
var closedReasons = []string{
	"already canceled",
	"already cancelled",
	"already matched",
	"can't be found",
	"not found",
	"matched orders can't be canceled",
}

var (
	balanceOfABI     abi.ABI
	balanceOfERC1155 abi.ABI
)

func init() {
	var err error
	balanceOfABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf abi: " + err.Error())
	}
	balanceOfERC1155, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf erc1155 abi: " + err.Error())
	}
}

// TradingClient implements ports.TradingClient and ports.PositionProvider.
type TradingClient struct {
	auth      *AuthClient
	rpcClient *ethclient.Client

	negRiskMu sync.Mutex
	negRisk   map[string]bool
}

// NewTradingClient creates a TradingClient. rpcURL is used for on-chain
// balance reads; when empty, TokenBalance and CollateralBalance fail.
func NewTradingClient(auth *AuthClient, rpcURL string) (*TradingClient, error) {
	tc := &TradingClient{auth: auth, negRisk: make(map[string]bool)}
	if rpcURL == "" {
		return tc, nil
	}
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("trading: dial rpc: %w", err)
	}
	tc.rpcClient = rpc
	return tc, nil
}

// Close releases the RPC connection.
func (tc *TradingClient) Close() {
	if tc.rpcClient != nil {
		tc.rpcClient.Close()
	}
}

// OrderBook returns the public book for a token.
func (tc *TradingClient) OrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	return tc.auth.OrderBook(ctx, tokenID)
}

// PlaceOrder signs and submits a GTC limit order.
func (tc *TradingClient) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: creds: %w", err)
	}

	negRisk, err := tc.IsNegRisk(ctx, req.TokenID)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: %w", err)
	}

	signed, err := tc.auth.buildSignedOrder(req.TokenID, req.Side, req.Price, req.Size, negRisk)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: sign: %w", err)
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = domain.TimeInForceGTC
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(req.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     tc.auth.apiKey(),
		OrderType: tif,
	}

	var resp clobOrderResponse
	if err := tc.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("place order: post: %w", err)
	}

	if !resp.Success || resp.ErrorMsg != "" {
		if domain.HasInsufficientMarker(resp.ErrorMsg) {
			return domain.PlacedOrder{}, fmt.Errorf("place order: %w: %s", domain.ErrInsufficientBalance, resp.ErrorMsg)
		}
		return domain.PlacedOrder{}, fmt.Errorf("place order: clob error: %s", resp.ErrorMsg)
	}
	if resp.OrderID == "" {
		return domain.PlacedOrder{}, errors.New("place order: response without order id")
	}

	return domain.PlacedOrder{
		OrderID: resp.OrderID,
		Status:  string(normalizeStatus(resp.Status)),
	}, nil
}

// OrderStatus returns the current state of an order.
func (tc *TradingClient) OrderStatus(ctx context.Context, orderID string) (domain.OrderSnapshot, error) {
	var resp *clobOrder
	if err := tc.auth.doL2(ctx, http.MethodGet, "/data/order/"+orderID, nil, &resp); err != nil {
		return domain.OrderSnapshot{}, fmt.Errorf("order status %s: %w", orderID, err)
	}
	if resp == nil {
		return domain.OrderSnapshot{}, fmt.Errorf("order status %s: %w", orderID, domain.ErrNotFound)
	}

	snap := mapOrder(*resp)
	if snap.ID == "" {
		snap.ID = orderID
	}
	return snap, nil
}

// CancelOrder cancels a single order. An order the CLOB reports as already
// matched, cancelled or unknown counts as cancelled.
func (tc *TradingClient) CancelOrder(ctx context.Context, orderID string) error {
	var resp clobCancelResponse
	err := tc.auth.doL2(ctx, http.MethodDelete, "/order", clobCancelRequest{OrderID: orderID}, &resp)
	if statusOf(err) == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	reason, notCanceled := resp.NotCanceled[orderID]
	if !notCanceled {
		return nil
	}
	lower := strings.ToLower(reason)
	for _, m := range closedReasons {
		if strings.Contains(lower, m) {
			return nil
		}
	}
	return fmt.Errorf("cancel order %s: not cancelled: %s", orderID, reason)
}

// OpenOrders lists this wallet's resting orders for a token, following
// next_cursor until the last page.
func (tc *TradingClient) OpenOrders(ctx context.Context, tokenID string) ([]domain.OrderSnapshot, error) {
	var out []domain.OrderSnapshot
	cursor := ""

	for {
		q := url.Values{"asset_id": {tokenID}}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}

		var raw json.RawMessage
		if err := tc.auth.doL2(ctx, http.MethodGet, "/data/orders?"+q.Encode(), nil, &raw); err != nil {
			return nil, fmt.Errorf("open orders: %w", err)
		}

		page, err := decodeOrdersPage(raw)
		if err != nil {
			return nil, fmt.Errorf("open orders: %w", err)
		}
		for _, o := range page.Data {
			snap := mapOrder(o)
			if snap.TokenID == "" {
				snap.TokenID = tokenID
			}
			out = append(out, snap)
		}

		if page.NextCursor == "" || page.NextCursor == lastCursor || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// decodeOrdersPage accepts both a bare array and a paginated envelope.
func decodeOrdersPage(raw json.RawMessage) (clobOrdersPage, error) {
	var page clobOrdersPage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return page, nil
	}
	if trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &page.Data)
		return page, err
	}
	err := json.Unmarshal(trimmed, &page)
	return page, err
}

// IsNegRisk queries the CLOB to determine if a token uses the NegRisk
// adapter. Answers are cached per token.
func (tc *TradingClient) IsNegRisk(ctx context.Context, tokenID string) (bool, error) {
	tc.negRiskMu.Lock()
	v, ok := tc.negRisk[tokenID]
	tc.negRiskMu.Unlock()
	if ok {
		return v, nil
	}

	u := fmt.Sprintf("%s/neg-risk?token_id=%s", tc.auth.clobBase, url.QueryEscape(tokenID))
	var resp clobNegRiskResponse
	if err := tc.auth.get(ctx, tc.auth.clobLimiter, u, &resp); err != nil {
		return false, fmt.Errorf("neg-risk check: %w", err)
	}

	tc.negRiskMu.Lock()
	tc.negRisk[tokenID] = resp.NegRisk
	tc.negRiskMu.Unlock()
	return resp.NegRisk, nil
}

// CollateralBalance returns the on-chain USDC.e balance of the wallet.
func (tc *TradingClient) CollateralBalance(ctx context.Context) (float64, error) {
	if tc.rpcClient == nil {
		return 0, errors.New("collateral balance: no rpc configured")
	}
	callData, err := balanceOfABI.Pack("balanceOf", tc.auth.address)
	if err != nil {
		return 0, fmt.Errorf("collateral balance: pack: %w", err)
	}

	token := common.HexToAddress(usdcEAddress)
	result, err := tc.rpcClient.CallContract(ctx, ethereum.CallMsg{To: &token, Data: callData}, nil)
	if err != nil {
		return 0, fmt.Errorf("collateral balance: rpc call: %w", err)
	}

	vals, err := balanceOfABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("collateral balance: unpack: %w", err)
	}
	return fromMicro(vals[0].(*big.Int)), nil
}

// TokenBalance returns the on-chain ERC-1155 balance for a conditional token.
// Returns shares (not micro-units), e.g. 13.51 means 13.51 shares.
func (tc *TradingClient) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	if tc.rpcClient == nil {
		return 0, errors.New("token balance: no rpc configured")
	}
	tid := new(big.Int)
	if _, ok := tid.SetString(tokenID, 10); !ok {
		tidBytes, err := hex.DecodeString(strings.TrimPrefix(tokenID, "0x"))
		if err != nil {
			return 0, fmt.Errorf("token balance: invalid token ID: %s", tokenID)
		}
		tid.SetBytes(tidBytes)
	}

	callData, err := balanceOfERC1155.Pack("balanceOf", tc.auth.address, tid)
	if err != nil {
		return 0, fmt.Errorf("token balance: pack: %w", err)
	}

	ctf := common.HexToAddress(ctfAddress)
	result, err := tc.rpcClient.CallContract(ctx, ethereum.CallMsg{To: &ctf, Data: callData}, nil)
	if err != nil {
		return 0, fmt.Errorf("token balance: call: %w", err)
	}

	vals, err := balanceOfERC1155.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("token balance: unpack: %w", err)
	}
	return fromMicro(vals[0].(*big.Int)), nil
}

// fromMicro converts 6-decimal on-chain units to a float.
func fromMicro(raw *big.Int) float64 {
	f := new(big.Float).SetInt(raw)
	f.Quo(f, big.NewFloat(1e6))
	v, _ := f.Float64()
	return v
}
