// Package bingx implements domain.ExchangeClient against the BingX
// USDT-M perpetual swap REST and WebSocket APIs.
package bingx

import "encoding/json"

// restEnvelope is the outer shape every BingX REST response wraps its
// payload in: a status code, a message, and a data field whose concrete
// type depends on the endpoint.
type restEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type contractInfo struct {
	Symbol          string `json:"symbol"`
	PricePrecision  int    `json:"pricePrecision"`
	QuantityPrecision int  `json:"quantityPrecision"`
	TickSize        string `json:"tickSize"`
	StepSize        string `json:"stepSize"`
	MinQty          string `json:"tradeMinQuantity"`
	MaxQty          string `json:"tradeMaxQuantity"`
}

type tickerData struct {
	Symbol string `json:"symbol"`
	Price  string `json:"lastPrice"`
}

type balanceData struct {
	Balance struct {
		Balance string `json:"balance"`
	} `json:"balance"`
}

type positionData struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	AvgPrice         string `json:"avgPrice"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	RealizedProfit   string `json:"realisedProfit"`
	InitialMargin    string `json:"positionInitialMargin"`
	Leverage         string `json:"leverage"`
}

type orderData struct {
	OrderID      int64  `json:"orderId"`
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	Side         string `json:"side"`
	PositionSide string `json:"positionSide"`
	Price        string `json:"price"`
	StopPrice    string `json:"stopPrice"`
	Qty          string `json:"origQty"`
	ExecutedQty  string `json:"executedQty"`
	AvgPrice     string `json:"avgPrice"`
	ReduceOnly   bool   `json:"reduceOnly"`
}

type placeOrderResponse struct {
	Order orderData `json:"order"`
}

type openOrdersResponse struct {
	Orders []orderData `json:"orders"`
}

type fillData struct {
	OrderID int64  `json:"orderId"`
	TradeID int64  `json:"id"`
	Qty     string `json:"qty"`
	Price   string `json:"price"`
	Time    int64  `json:"filledTime"`
	Status  string `json:"status"`
}

type fillsResponse struct {
	Fills []fillData `json:"fill_orders"`
}

// wsEnvelope is the outer shape of every BingX WebSocket push message.
type wsEnvelope struct {
	Code     int             `json:"code,omitempty"`
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// orderUpdatePush mirrors the ORDER_TRADE_UPDATE payload BingX pushes
// over the user-data WebSocket stream for every order state change.
type orderUpdatePush struct {
	Symbol      string `json:"s"`
	OrderID     int64  `json:"i"`
	ExecID      int64  `json:"t"`
	Side        string `json:"S"`
	Status      string `json:"X"`
	LastQty     string `json:"l"`
	Price       string `json:"p"`
	LastPrice   string `json:"L"`
	EventTime   int64  `json:"E"`
}
