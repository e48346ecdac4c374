package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TransactionRequestHandler receives requests that matched no existing
// server transaction, together with the freshly created one.
type TransactionRequestHandler func(req *Request, tx *ServerTx)

// UnhandledResponseHandler receives responses that matched no client
// transaction, mostly late 2xx retransmissions.
type UnhandledResponseHandler func(res *Response)

func defaultRequestHandler(r *Request, tx *ServerTx) {
	log.Info().Str("caller", "TransactionLayer").Str("msg", r.Short()).Msg("Unhandled SIP request, no OnRequest handler added")
}

func defaultUnhandledRespHandler(r *Response) {
	log.Info().Str("caller", "TransactionLayer").Str("msg", r.Short()).Msg("Unhandled SIP response, possibly a retransmission")
}

// TransactionLayer demultiplexes inbound messages onto transactions and
// creates new ones for outbound requests - RFC 3261 17.
type TransactionLayer struct {
	tpl           *TransportLayer
	reqHandler    TransactionRequestHandler
	unRespHandler UnhandledResponseHandler

	clientTransactions *transactionStore[*ClientTx]
	serverTransactions *transactionStore[*ServerTx]

	log zerolog.Logger
}

type TransactionLayerOption func(txl *TransactionLayer)

func WithTransactionLayerLogger(l zerolog.Logger) TransactionLayerOption {
	return func(txl *TransactionLayer) {
		txl.log = l.With().Str("caller", "TransactionLayer").Logger()
	}
}

func WithTransactionLayerUnhandledResponseHandler(f UnhandledResponseHandler) TransactionLayerOption {
	return func(txl *TransactionLayer) {
		txl.unRespHandler = f
	}
}

func NewTransactionLayer(tpl *TransportLayer, options ...TransactionLayerOption) *TransactionLayer {
	txl := &TransactionLayer{
		tpl:                tpl,
		clientTransactions: newTransactionStore[*ClientTx](),
		serverTransactions: newTransactionStore[*ServerTx](),
		reqHandler:         defaultRequestHandler,
		unRespHandler:      defaultUnhandledRespHandler,
		log:                log.Logger.With().Str("caller", "TransactionLayer").Logger(),
	}
	for _, o := range options {
		o(txl)
	}

	// All transport messages flow into this layer
	tpl.OnMessage(txl.handleMessage)
	return txl
}

// OnRequest sets the handler for requests starting new server
// transactions.
func (txl *TransactionLayer) OnRequest(h TransactionRequestHandler) {
	txl.reqHandler = h
}

func (txl *TransactionLayer) Transport() *TransportLayer {
	return txl.tpl
}

// handleMessage is the transport ingress. Fork per message: passing up
// may block on the TU and must not stall the read loop.
func (txl *TransactionLayer) handleMessage(msg Message) {
	switch msg := msg.(type) {
	case *Request:
		go txl.handleRequestBackground(msg)
	case *Response:
		go txl.handleResponseBackground(msg)
	default:
		txl.log.Error().Msg("unsupported message, skip it")
	}
}

func (txl *TransactionLayer) handleRequestBackground(req *Request) {
	if err := txl.handleRequest(req); err != nil {
		txl.log.Error().Err(err).Str("req", req.StartLine()).Msg("Failed to handle request")
	}
}

func (txl *TransactionLayer) handleRequest(req *Request) error {
	if req.IsCancel() {
		// RFC 3261 9.2: CANCEL matches the transaction being cancelled
		// by key derived as if it were the original method
		key, err := MakeServerTxKey(req, INVITE)
		if err != nil {
			return fmt.Errorf("make key failed: %w", err)
		}

		if tx, exists := txl.serverTransactions.get(key); exists {
			if err := tx.Receive(req); err != nil {
				return fmt.Errorf("failed to receive CANCEL: %w", err)
			}
			// Answer 200 for the CANCEL itself on the same connection
			if err := tx.conn.WriteMsg(NewResponseFromRequest(req, StatusOK, "OK", nil)); err != nil {
				return fmt.Errorf("failed to respond 200 on CANCEL: %w", err)
			}
			return nil
		}
		// No matching transaction; continue as a normal request and let
		// the TU decide
	}

	key, err := MakeServerTxKey(req, "")
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}
	return txl.serverTxRequest(req, key)
}

func (txl *TransactionLayer) serverTxRequest(req *Request, key string) error {
	txl.serverTransactions.mu.Lock()
	tx, exists := txl.serverTransactions.items[key]
	if exists {
		txl.serverTransactions.mu.Unlock()
		// Retransmission or in-transaction ACK
		return tx.Receive(req)
	}

	tx, err := txl.serverTxCreate(req, key)
	if err != nil {
		txl.serverTransactions.mu.Unlock()
		return err
	}

	txl.serverTransactions.items[key] = tx
	tx.OnTerminate(txl.serverTxTerminate)
	txl.serverTransactions.mu.Unlock()

	txl.reqHandler(req, tx)
	return nil
}

func (txl *TransactionLayer) serverTxCreate(req *Request, key string) (*ServerTx, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := txl.tpl.serverRequestConnection(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("server tx get connection failed: %w", err)
	}

	tx := NewServerTx(key, req, conn, txl.log)
	return tx, tx.Init()
}

func (txl *TransactionLayer) handleResponseBackground(res *Response) {
	if err := txl.handleResponse(res); err != nil {
		txl.log.Error().Err(err).Msg("Failed to handle response")
	}
}

func (txl *TransactionLayer) handleResponse(res *Response) error {
	key, err := MakeClientTxKey(res)
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	tx, exists := txl.clientTransactions.get(key)
	if !exists {
		// RFC 3261 18.1.2: responses without a transaction still reach
		// the UA core
		txl.unRespHandler(res)
		return nil
	}

	tx.Receive(res)
	return nil
}

// Request creates and initializes a client transaction for req.
func (txl *TransactionLayer) Request(ctx context.Context, req *Request) (*ClientTx, error) {
	tx, err := txl.NewClientTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Init(); err != nil {
		tx.Terminate()
		return nil, err
	}
	return tx, nil
}

// NewClientTransaction creates a client transaction without sending the
// request yet. Callers do tx.Init to fire it.
func (txl *TransactionLayer) NewClientTransaction(ctx context.Context, req *Request) (*ClientTx, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport")
	}

	key, err := MakeClientTxKey(req)
	if err != nil {
		return nil, err
	}

	conn, err := txl.tpl.ClientRequestConnection(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("client transaction failed to get connection: %w", err)
	}

	txl.clientTransactions.mu.Lock()
	if _, exists := txl.clientTransactions.items[key]; exists {
		txl.clientTransactions.mu.Unlock()
		conn.TryClose()
		return nil, fmt.Errorf("client transaction %q already exists", key)
	}
	tx := NewClientTx(key, req, conn, txl.log)
	txl.clientTransactions.items[key] = tx
	tx.OnTerminate(txl.clientTxTerminate)
	txl.clientTransactions.mu.Unlock()
	return tx, nil
}

// Respond routes a response onto its server transaction.
func (txl *TransactionLayer) Respond(res *Response) (*ServerTx, error) {
	key, err := MakeServerTxKey(res, "")
	if err != nil {
		return nil, err
	}

	tx, exists := txl.serverTransactions.get(key)
	if !exists {
		return nil, fmt.Errorf("transaction does not exist")
	}

	if err := tx.Respond(res); err != nil {
		return nil, err
	}
	return tx, nil
}

func (txl *TransactionLayer) clientTxTerminate(key string, err error) {
	if !txl.clientTransactions.drop(key) {
		txl.log.Info().Str("tx", key).Msg("Unknown client tx was removed")
	}
}

func (txl *TransactionLayer) serverTxTerminate(key string, err error) {
	if !txl.serverTransactions.drop(key) {
		txl.log.Info().Str("tx", key).Msg("Unknown server tx was removed")
	}
}

// GetClientTx looks up a client transaction - RFC 3261 17.1.3.
func (txl *TransactionLayer) GetClientTx(key string) (*ClientTx, bool) {
	return txl.clientTransactions.get(key)
}

// GetServerTx looks up a server transaction - RFC 3261 17.2.3.
func (txl *TransactionLayer) GetServerTx(key string) (*ServerTx, bool) {
	return txl.serverTransactions.get(key)
}

func (txl *TransactionLayer) Close() {
	txl.clientTransactions.terminateAll()
	txl.serverTransactions.terminateAll()
	txl.log.Debug().Msg("transaction layer closed")
}
