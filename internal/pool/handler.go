// Package pool implements the upstream.Handler for pool connections:
// tracking the latest payout policy and difficulty, and submitting
// shares (and, eventually, weak blocks) when a solution qualifies.
package pool

import (
	"sync"

	"github.com/blockrelay/mining-proxy/internal/metrics"
	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/blockrelay/mining-proxy/internal/wire"
	"go.uber.org/zap"
)

// Update is pushed to the merge engine whenever payout info or
// difficulty changes for a pool.
type Update struct {
	Info       *types.PoolPayoutInfo
	Difficulty *types.PoolDifficulty
}

// Handler is a single pool connection's actor state. Created once per
// configured host and persisted across reconnects; priority is fixed
// at construction (0 = highest).
type Handler struct {
	host     string
	priority int
	logger   *zap.Logger

	// jobStream is the bounded (capacity 5) channel to the merge
	// engine.
	jobStream chan<- Update

	expectedAuthKey *sig.PublicKey

	mu             sync.Mutex
	outbound       chan<- wire.PoolMessage
	authKey        *sig.PublicKey
	curPayoutInfo  *types.PoolPayoutInfo
	curDifficulty  *types.PoolDifficulty
	hasWeakBlock   bool
}

// New returns a Handler for host at the given priority (0 highest),
// pushing merge inputs to jobStream.
func New(host string, priority int, jobStream chan<- Update, expectedAuthKey *sig.PublicKey, logger *zap.Logger) *Handler {
	return &Handler{
		host:            host,
		priority:        priority,
		jobStream:       jobStream,
		expectedAuthKey: expectedAuthKey,
		logger:          logger,
	}
}

// Priority returns this pool's configured priority index.
func (h *Handler) Priority() int { return h.priority }

// IsConnected reports whether an outbound sink is currently present.
func (h *Handler) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outbound != nil
}

// CurrentDifficulty returns the most recently installed difficulty, if
// any.
func (h *Handler) CurrentDifficulty() (types.PoolDifficulty, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.curDifficulty == nil {
		return types.PoolDifficulty{}, false
	}
	return *h.curDifficulty, true
}

// NewConnection implements upstream.Handler.
func (h *Handler) NewConnection(outbound chan<- wire.PoolMessage) {
	h.mu.Lock()
	h.outbound = outbound
	h.hasWeakBlock = false
	h.mu.Unlock()

	metrics.PoolsConnected.Inc()

	outbound <- wire.ProtocolSupport{Max: 1, Min: 1, Flags: 0}
}

// ConnectionClosed implements upstream.Handler. Payout info, target,
// and auth-key state persist across reconnects.
func (h *Handler) ConnectionClosed() {
	h.mu.Lock()
	h.outbound = nil
	h.mu.Unlock()
	metrics.PoolsConnected.Dec()
	h.logger.Info("pool connection closed", zap.String("host", h.host))
}

// HandleMessage implements upstream.Handler.
func (h *Handler) HandleMessage(msg wire.PoolMessage) error {
	switch m := msg.(type) {
	case wire.ProtocolVersion:
		return h.handleProtocolVersion(m)
	case *wire.PoolPayoutInfo:
		return h.handlePayoutInfo(m)
	case wire.ShareDifficulty:
		return h.handleShareDifficulty(m)
	case wire.WeakBlockStateReset:
		h.mu.Lock()
		h.hasWeakBlock = false
		h.mu.Unlock()
		return nil
	default:
		metrics.ProtocolViolations.WithLabelValues(h.host, "unexpected_inbound_variant").Inc()
		return wire.ProtocolErrorf("unexpected inbound message %T from pool", msg)
	}
}

func (h *Handler) handleProtocolVersion(m wire.ProtocolVersion) error {
	if m.Selected != 1 {
		metrics.ProtocolViolations.WithLabelValues(h.host, "unsupported_version").Inc()
		return wire.ProtocolErrorf("pool selected unsupported version %d", m.Selected)
	}
	pub, err := sig.ParseCompressedPubKey(m.AuthKey)
	if err != nil {
		metrics.ProtocolViolations.WithLabelValues(h.host, "bad_auth_key").Inc()
		return wire.ProtocolErrorf("pool sent invalid auth_key: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.expectedAuthKey != nil {
		if !h.expectedAuthKey.IsEqual(pub) {
			metrics.ProtocolViolations.WithLabelValues(h.host, "auth_key_mismatch").Inc()
			return wire.ProtocolErrorf("pool auth_key does not match pre-provisioned key")
		}
		h.authKey = h.expectedAuthKey
		return nil
	}
	if h.authKey == nil {
		h.authKey = pub
		h.logger.Info("pinned pool auth_key", zap.String("host", h.host))
		return nil
	}
	if !h.authKey.IsEqual(pub) {
		metrics.ProtocolViolations.WithLabelValues(h.host, "auth_key_mismatch").Inc()
		return wire.ProtocolErrorf("pool auth_key does not match pinned key")
	}
	return nil
}

func (h *Handler) handlePayoutInfo(m *wire.PoolPayoutInfo) error {
	h.mu.Lock()
	authKey := h.authKey
	h.mu.Unlock()
	if authKey == nil {
		metrics.ProtocolViolations.WithLabelValues(h.host, "payout_before_auth").Inc()
		return wire.ProtocolErrorf("pool sent PayoutInfo before ProtocolVersion")
	}
	if !sig.Verify(authKey, wire.TagPoolPayoutInfo, m.EncodeUnsigned(), m.Signature) {
		metrics.SignatureFailures.WithLabelValues(h.host).Inc()
		return wire.ProtocolErrorf("pool PayoutInfo signature verification failed")
	}

	h.mu.Lock()
	if h.curPayoutInfo != nil && m.Info.Timestamp <= h.curPayoutInfo.Timestamp {
		h.mu.Unlock()
		return nil
	}
	info := m.Info
	h.curPayoutInfo = &info
	difficulty := h.curDifficulty
	h.mu.Unlock()

	metrics.PayoutInfoUpdates.WithLabelValues(h.host).Inc()

	if !h.pushUpdate(Update{Info: &info, Difficulty: difficulty}) {
		return wire.ProtocolErrorf("pool exceeded merge job backpressure")
	}
	return nil
}

func (h *Handler) handleShareDifficulty(m wire.ShareDifficulty) error {
	h.mu.Lock()
	diff := m.Difficulty
	h.curDifficulty = &diff
	payoutInfo := h.curPayoutInfo
	h.mu.Unlock()

	metrics.DifficultyUpdates.WithLabelValues(h.host).Inc()

	if payoutInfo == nil {
		return nil
	}
	if !h.pushUpdate(Update{Info: payoutInfo, Difficulty: &diff}) {
		return wire.ProtocolErrorf("pool exceeded merge job backpressure")
	}
	return nil
}

func (h *Handler) pushUpdate(u Update) bool {
	select {
	case h.jobStream <- u:
		return true
	default:
		return false
	}
}

// SendShare submits a share to the pool, if currently connected. The
// caller (the solution router) is responsible for checking the share
// meets share_target before calling this.
func (h *Handler) SendShare(share types.PoolShare) {
	h.mu.Lock()
	outbound := h.outbound
	h.mu.Unlock()
	if outbound == nil {
		return
	}
	outbound <- wire.Share{Share: share}
}
