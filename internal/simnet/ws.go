package simnet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway/wsclient"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

const wsWriteWait = 10 * time.Second

var errEmptyParams = errors.New("missing params")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves the node over the websocket protocol spoken by
// wsclient. Every connection keeps its own subscriptions and only
// receives notifications for them.
func (n *Node) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		s := &wsSession{
			node:   n,
			conn:   conn,
			subs:   make(map[types.Address]int),
			logger: n.logger.With().Str("remote", r.RemoteAddr).Logger(),
		}
		s.serve()
	})
}

type wsSession struct {
	node   *Node
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[types.Address]int
}

func (s *wsSession) serve() {
	remove := s.node.AddListener(s.forward)
	defer func() {
		remove()
		s.mu.Lock()
		addrs := make([]types.Address, 0, len(s.subs))
		for a, c := range s.subs {
			for i := 0; i < c; i++ {
				addrs = append(addrs, a)
			}
		}
		s.subs = nil
		s.mu.Unlock()
		if len(addrs) > 0 {
			_ = s.node.UnsubscribeUtxosChanged(context.Background(), addrs)
		}
		s.conn.Close()
	}()

	for {
		var req wsclient.Request
		if err := s.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("Websocket session closed")
			}
			return
		}
		go s.dispatch(req)
	}
}

func (s *wsSession) dispatch(req wsclient.Request) {
	ctx := context.Background()
	result, err := s.handle(ctx, req)
	msg := wsclient.Message{ID: req.ID}
	if err != nil {
		msg.Error = wsErr(err)
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			msg.Error = &wsclient.Error{Code: wsclient.CodeInternal, Message: mErr.Error()}
		} else {
			msg.Result = raw
		}
	}
	s.write(msg)
}

type paramsError struct{ err error }

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }

type methodError struct{ method string }

func (e *methodError) Error() string { return "method not found: " + e.method }

func wsErr(err error) *wsclient.Error {
	switch e := err.(type) {
	case *paramsError:
		return &wsclient.Error{Code: wsclient.CodeInvalidParams, Message: e.Error()}
	case *methodError:
		return &wsclient.Error{Code: wsclient.CodeMethodNotFound, Message: e.Error()}
	}
	return wsclient.ErrorFor(err)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &paramsError{err: errEmptyParams}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

func (s *wsSession) handle(ctx context.Context, req wsclient.Request) (any, error) {
	n := s.node
	switch req.Method {
	case wsclient.MethodGetServerInfo:
		return n.GetServerInfo(ctx)
	case wsclient.MethodGetFeeEstimate:
		return n.GetFeeEstimate(ctx)
	case wsclient.MethodGetUtxosByAddresses:
		var p wsclient.AddressesParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return n.GetUtxosByAddresses(ctx, p.Addresses)
	case wsclient.MethodGetMempoolEntriesByAddresses:
		var p wsclient.AddressesParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return n.GetMempoolEntriesByAddresses(ctx, p.Addresses)
	case wsclient.MethodSubmitTransaction, wsclient.MethodSubmitTransactionReplacement:
		var p wsclient.SubmitParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Transaction == nil {
			return nil, &paramsError{err: errEmptyParams}
		}
		var (
			id  types.Hash
			err error
		)
		if req.Method == wsclient.MethodSubmitTransaction {
			id, err = n.SubmitTransaction(ctx, p.Transaction)
		} else {
			id, err = n.SubmitTransactionReplacement(ctx, p.Transaction)
		}
		if err != nil {
			return nil, err
		}
		return wsclient.SubmitResult{TransactionID: id}, nil
	case wsclient.MethodSubscribeUtxosChanged:
		var p wsclient.AddressesParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if err := n.SubscribeUtxosChanged(ctx, p.Addresses); err != nil {
			return nil, err
		}
		s.mu.Lock()
		for _, a := range p.Addresses {
			s.subs[a]++
		}
		s.mu.Unlock()
		return struct{}{}, nil
	case wsclient.MethodUnsubscribeUtxosChanged:
		var p wsclient.AddressesParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		var owned []types.Address
		for _, a := range p.Addresses {
			switch s.subs[a] {
			case 0:
				continue
			case 1:
				delete(s.subs, a)
			default:
				s.subs[a]--
			}
			owned = append(owned, a)
		}
		s.mu.Unlock()
		if len(owned) > 0 {
			if err := n.UnsubscribeUtxosChanged(ctx, owned); err != nil {
				return nil, err
			}
		}
		return struct{}{}, nil
	default:
		return nil, &methodError{method: req.Method}
	}
}

// forward relays node events the session subscribed to.
func (s *wsSession) forward(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventDaaScoreChanged:
		s.notify(wsclient.NotifyDAAScoreChange, wsclient.DAAScoreParams{VirtualDAAScore: ev.DAAScore})
	case gateway.EventUtxosChanged:
		var p wsclient.UtxosChangedParams
		s.mu.Lock()
		for _, e := range ev.Added {
			if a, ok := e.Script.Address(); ok && s.subs[a] > 0 {
				p.Added = append(p.Added, e)
			}
		}
		for _, e := range ev.Removed {
			if a, ok := e.Script.Address(); ok && s.subs[a] > 0 {
				p.Removed = append(p.Removed, e)
			}
		}
		s.mu.Unlock()
		if len(p.Added)+len(p.Removed) > 0 {
			s.notify(wsclient.NotifyUtxosChanged, p)
		}
	case gateway.EventProcessorStopped:
		// A disconnected node drops its sessions.
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "node stopped"),
			time.Now().Add(wsWriteWait))
		s.writeMu.Unlock()
		s.conn.Close()
	}
}

func (s *wsSession) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("Encode notification")
		return
	}
	s.write(wsclient.Message{Method: method, Params: raw})
}

func (s *wsSession) write(msg wsclient.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("Websocket write failed")
	}
}
