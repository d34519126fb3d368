// Package samplepool implements a minimal reference pool server: it
// accepts connections speaking the pool wire protocol, authenticates
// each client via a PayoutInfoRequest extension (a version-skew
// feature this server expects that the core proxy does not send, see
// DESIGN.md), issues a fixed difficulty, and validates submitted
// shares against it.
//
// This server is at a different protocol version than the proxy's
// internal/pool.Handler: it is a standalone development/testing
// collaborator, not the thing the proxy dials when acting as a
// client.
package samplepool

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/blockrelay/mining-proxy/internal/wire"
	"github.com/blockrelay/mining-proxy/pkg/bytesutil"
	"github.com/blockrelay/mining-proxy/pkg/util"
	btcwire "github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// shareTargetDiff65536 is the fixed share target this server issues:
// difficulty 65536 against the full network target space.
var shareTargetDiff65536 = [32]byte{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0, 0, 0, 0, 0, 0,
}

const readBufSize = 64 * 1024

// Server is a minimal reference pool implementation for development
// and testing against internal/pool.Handler.
type Server struct {
	authKey      *sig.PrivateKey
	payoutScript []byte
	serverID     []byte // optional, ≤36 bytes, appended to each client's coinbase postfix
	logger       *zap.Logger

	nextClientID atomic.Uint64

	mu      sync.Mutex
	clients map[uint64][]byte // clientID -> payout scriptPubKey
}

// New returns a Server signing with authKey, paying its own operator
// share to payoutScript, and namespacing coinbase postfixes with
// serverID (may be nil).
func New(authKey *sig.PrivateKey, payoutScript, serverID []byte, logger *zap.Logger) *Server {
	return &Server{
		authKey:      authKey,
		payoutScript: payoutScript,
		serverID:     serverID,
		logger:       logger,
		clients:      make(map[uint64][]byte),
	}
}

// Serve accepts connections on ln until ctx is done or ln.Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

type clientSession struct {
	clientID             uint64
	coinbasePostfix      []byte
	receivedProtoSupport bool
	authed               bool
	shareLimiter         *rate.Limiter
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	outbound := make(chan wire.PoolMessage, 5)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range outbound {
			if _, err := conn.Write(wire.EncodePoolMessage(msg)); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(outbound)
		<-done
	}()

	clientID := s.nextClientID.Add(1) - 1
	postfix := bytesutil.PutUint64LE(nil, clientID)
	postfix = append(postfix, s.serverID...)
	sess := &clientSession{
		clientID:        clientID,
		coinbasePostfix: postfix,
		shareLimiter:    rate.NewLimiter(10, 20),
	}

	buf := make([]byte, 0, readBufSize)
	tmp := make([]byte, readBufSize)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			s.logger.Debug("sample pool connection read error", zap.Error(err))
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			msg, consumed, err := wire.DecodePoolMessage(buf)
			if err == wire.ErrNeedMore {
				break
			}
			if err != nil {
				s.logger.Info("sample pool closing connection on protocol error", zap.Error(err))
				return
			}
			buf = buf[consumed:]
			if err := s.handleMessage(sess, outbound, msg); err != nil {
				s.logger.Info("sample pool closing connection", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) handleMessage(sess *clientSession, outbound chan<- wire.PoolMessage, msg wire.PoolMessage) error {
	switch m := msg.(type) {
	case wire.ProtocolSupport:
		if m.Min > 1 || m.Max < 1 {
			return wire.ProtocolErrorf("client does not support protocol version 1")
		}
		if m.Flags != 0 {
			s.logger.Info("client requested unknown flags", zap.Uint16("flags", m.Flags))
		}
		outbound <- wire.ProtocolVersion{Selected: 1, AuthKey: sig.CompressPubKey(s.authKey.PubKey())}
		sess.receivedProtoSupport = true
		return nil

	case wire.ProtocolVersion:
		return wire.ProtocolErrorf("unexpected ProtocolVersion from client")

	case wire.PayoutInfoRequest:
		if !sess.receivedProtoSupport || sess.authed {
			return wire.ProtocolErrorf("PayoutInfoRequest out of sequence")
		}
		script, err := addressToScript(string(m.UserID))
		if err != nil {
			return wire.ProtocolErrorf("invalid user_id address: %v", err)
		}
		s.mu.Lock()
		s.clients[sess.clientID] = script
		s.mu.Unlock()
		sess.authed = true

		payoutInfo := types.PoolPayoutInfo{
			Timestamp:       nowMillis(),
			CoinbasePostfix: sess.coinbasePostfix,
			RemainingPayout: s.payoutScript,
		}
		payoutMsg := &wire.PoolPayoutInfo{Info: payoutInfo}
		payoutMsg.Signature = sig.Sign(s.authKey, wire.TagPoolPayoutInfo, payoutMsg.EncodeUnsigned())
		outbound <- payoutMsg

		outbound <- wire.ShareDifficulty{
			Difficulty: types.PoolDifficulty{ShareTarget: shareTargetDiff65536},
		}
		return nil

	case *wire.PoolPayoutInfo:
		return wire.ProtocolErrorf("unexpected PayoutInfo from client")

	case wire.ShareDifficulty:
		return wire.ProtocolErrorf("unexpected ShareDifficulty from client")

	case wire.Share:
		if !sess.receivedProtoSupport || !sess.authed {
			return wire.ProtocolErrorf("Share out of sequence")
		}
		if !sess.shareLimiter.Allow() {
			return wire.ProtocolErrorf("share rate exceeded")
		}
		s.validateShare(m.Share)
		return nil

	case wire.WeakBlock:
		return wire.ProtocolErrorf("unexpected WeakBlock from client")

	case wire.WeakBlockStateReset:
		return wire.ProtocolErrorf("unexpected WeakBlockStateReset from client")

	default:
		return wire.ProtocolErrorf("unexpected pool message %T from client", msg)
	}
}

// validateShare reconstructs the block hash from a submitted share and
// logs whether it meets this server's fixed share target. It never
// closes the connection on a bad share; rejection is logged only.
func (s *Server) validateShare(share types.PoolShare) {
	var tx btcwire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(share.CoinbaseTx)); err != nil {
		s.logger.Info("share coinbase_tx failed to deserialize", zap.Error(err))
		return
	}
	if len(tx.TxIn) != 1 || len(tx.TxOut) < 1 {
		s.logger.Info("share coinbase_tx has unexpected input/output count")
		return
	}

	scriptSig := tx.TxIn[0].SignatureScript
	clientID, ok := extractClientID(scriptSig, s.serverID)
	if !ok {
		s.logger.Info("share coinbase_tx missing required coinbase postfix")
		return
	}

	s.mu.Lock()
	clientPayout, known := s.clients[clientID]
	s.mu.Unlock()
	if !known {
		s.logger.Info("share paid to unknown client", zap.Uint64("client_id", clientID))
		return
	}

	for i, out := range tx.TxOut {
		if i == 0 {
			if !bytes.Equal(out.PkScript, s.payoutScript) {
				s.logger.Info("share paid out to unknown operator location")
				return
			}
		} else if out.Value != 0 {
			s.logger.Info("share paid out excess to unknown location")
			return
		}
	}

	coinbaseHash := tx.TxHash()
	var merkleLHS [32]byte
	copy(merkleLHS[:], coinbaseHash[:])
	for _, rhs := range share.MerkleRHSS {
		merkleLHS = doubleSHA256Concat(merkleLHS, rhs)
	}

	blockHash := blockHeaderHash(share.HeaderVersion, share.HeaderPrevBlock, merkleLHS, share.HeaderTime, share.HeaderNBits, share.HeaderNonce)

	if bytesutil.MeetsTargetLE256(blockHash, shareTargetDiff65536) {
		s.logger.Info("accepted valid share",
			zap.Uint64("client_id", clientID),
			zap.Binary("payout_script", clientPayout),
			zap.String("block_hash", util.HashToHex(blockHash)),
		)
	} else {
		s.logger.Info("share missed target", zap.Uint64("client_id", clientID))
	}
}

// extractClientID recovers the 8-byte little-endian client ID embedded
// just before serverID (if any) at the end of scriptSig.
func extractClientID(scriptSig, serverID []byte) (uint64, bool) {
	if len(serverID) > 0 {
		if len(scriptSig) < len(serverID)+8 || !bytes.HasSuffix(scriptSig, serverID) {
			return 0, false
		}
		idBytes := scriptSig[len(scriptSig)-len(serverID)-8 : len(scriptSig)-len(serverID)]
		v, _ := bytesutil.ReadUint64LE(idBytes)
		return v, true
	}
	if len(scriptSig) < 8 {
		return 0, false
	}
	v, _ := bytesutil.ReadUint64LE(scriptSig[len(scriptSig)-8:])
	return v, true
}

func doubleSHA256Concat(lhs, rhs [32]byte) [32]byte {
	return util.DoubleSHA256(append(append([]byte(nil), lhs[:]...), rhs[:]...))
}

func blockHeaderHash(version uint32, prevBlock, merkleRoot [32]byte, headerTime, nBits, nonce uint32) [32]byte {
	buf := make([]byte, 0, 80)
	buf = bytesutil.PutUint32LE(buf, version)
	buf = append(buf, prevBlock[:]...)
	buf = append(buf, merkleRoot[:]...)
	buf = bytesutil.PutUint32LE(buf, headerTime)
	buf = bytesutil.PutUint32LE(buf, nBits)
	buf = bytesutil.PutUint32LE(buf, nonce)
	return util.DoubleSHA256(buf)
}
