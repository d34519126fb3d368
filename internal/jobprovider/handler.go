// Package jobprovider implements the upstream.Handler for job-provider
// connections: tracking the latest template and coinbase prefix
// postfix, fetching full transaction data lazily, and handing merged
// job inputs to the merge engine.
package jobprovider

import (
	"sync"

	"github.com/blockrelay/mining-proxy/internal/eventual"
	"github.com/blockrelay/mining-proxy/internal/metrics"
	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/blockrelay/mining-proxy/internal/wire"
	"go.uber.org/zap"
)

// Update is pushed to the merge engine whenever a new template or a
// newer coinbase prefix postfix becomes available.
type Update struct {
	Template *types.BlockTemplate
	Postfix  *types.CoinbasePrefixPostfix
	TxData   *eventual.Eventual[types.TransactionData]
}

// Handler is a single job-provider connection's actor state. It is
// created once per configured host and persists across reconnects;
// only the outbound channel is replaced on each new connection.
type Handler struct {
	host     string
	havePool bool
	logger   *zap.Logger

	// jobStream is the bounded (capacity 10) channel to the merge
	// engine. A full channel is treated as backpressure and closes the
	// connection.
	jobStream chan<- Update

	// expectedAuthKey, if non-nil, is a pre-provisioned key the
	// provider's ProtocolVersion must match exactly.
	expectedAuthKey *sig.PublicKey

	mu               sync.Mutex
	outbound         chan<- wire.WorkMessage
	authKey          *sig.PublicKey
	curTemplate      *types.BlockTemplate
	curPrefixPostfix *types.CoinbasePrefixPostfix
	pending          map[uint64]*eventual.Eventual[types.TransactionData]
}

// New returns a Handler for host, pushing merge inputs to jobStream.
// havePool indicates whether any pool is configured for this proxy
// instance (it controls the ProtocolSupport flags sent on connect).
// expectedAuthKey may be nil to accept any key on first sight.
func New(host string, havePool bool, jobStream chan<- Update, expectedAuthKey *sig.PublicKey, logger *zap.Logger) *Handler {
	return &Handler{
		host:            host,
		havePool:        havePool,
		jobStream:       jobStream,
		expectedAuthKey: expectedAuthKey,
		logger:          logger,
		pending:         make(map[uint64]*eventual.Eventual[types.TransactionData]),
	}
}

// NewConnection implements upstream.Handler.
func (h *Handler) NewConnection(outbound chan<- wire.WorkMessage) {
	h.mu.Lock()
	h.outbound = outbound
	h.mu.Unlock()

	metrics.JobProvidersConnected.Inc()

	flags := uint16(0)
	if !h.havePool {
		flags = 1
	}
	outbound <- wire.ProtocolSupport{Max: 1, Min: 1, Flags: flags}
}

// ConnectionClosed implements upstream.Handler. Per-provider template
// and auth-key state persists across reconnects; only the outbound
// channel reference is cleared.
func (h *Handler) ConnectionClosed() {
	h.mu.Lock()
	h.outbound = nil
	h.mu.Unlock()
	metrics.JobProvidersConnected.Dec()
	h.logger.Info("job provider connection closed", zap.String("host", h.host))
}

// HandleMessage implements upstream.Handler.
func (h *Handler) HandleMessage(msg wire.WorkMessage) error {
	switch m := msg.(type) {
	case wire.ProtocolVersion:
		return h.handleProtocolVersion(m)
	case *wire.WorkBlockTemplate:
		return h.handleBlockTemplate(m)
	case *wire.WorkTransactionData:
		return h.handleTransactionData(m)
	case *wire.WorkCoinbasePrefixPostfix:
		return h.handleCoinbasePrefixPostfix(m)
	default:
		metrics.ProtocolViolations.WithLabelValues(h.host, "unexpected_inbound_variant").Inc()
		return wire.ProtocolErrorf("unexpected inbound message %T from job provider", msg)
	}
}

func (h *Handler) handleProtocolVersion(m wire.ProtocolVersion) error {
	if m.Selected != 1 {
		metrics.ProtocolViolations.WithLabelValues(h.host, "unsupported_version").Inc()
		return wire.ProtocolErrorf("job provider selected unsupported version %d", m.Selected)
	}
	pub, err := sig.ParseCompressedPubKey(m.AuthKey)
	if err != nil {
		metrics.ProtocolViolations.WithLabelValues(h.host, "bad_auth_key").Inc()
		return wire.ProtocolErrorf("job provider sent invalid auth_key: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.expectedAuthKey != nil {
		if !h.expectedAuthKey.IsEqual(pub) {
			metrics.ProtocolViolations.WithLabelValues(h.host, "auth_key_mismatch").Inc()
			return wire.ProtocolErrorf("job provider auth_key does not match pre-provisioned key")
		}
		h.authKey = h.expectedAuthKey
		return nil
	}
	if h.authKey == nil {
		h.authKey = pub
		h.logger.Info("pinned job provider auth_key", zap.String("host", h.host))
		return nil
	}
	if !h.authKey.IsEqual(pub) {
		metrics.ProtocolViolations.WithLabelValues(h.host, "auth_key_mismatch").Inc()
		return wire.ProtocolErrorf("job provider auth_key does not match pinned key")
	}
	return nil
}

func (h *Handler) handleBlockTemplate(m *wire.WorkBlockTemplate) error {
	h.mu.Lock()
	authKey := h.authKey
	h.mu.Unlock()
	if authKey == nil {
		metrics.ProtocolViolations.WithLabelValues(h.host, "template_before_auth").Inc()
		return wire.ProtocolErrorf("job provider sent BlockTemplate before ProtocolVersion")
	}
	if !sig.Verify(authKey, wire.TagWorkBlockTemplate, m.EncodeUnsigned(), m.Signature) {
		metrics.SignatureFailures.WithLabelValues(h.host).Inc()
		return wire.ProtocolErrorf("job provider BlockTemplate signature verification failed")
	}

	h.mu.Lock()
	if h.curTemplate != nil && m.Template.TemplateID <= h.curTemplate.TemplateID {
		h.mu.Unlock()
		h.logger.Debug("dropped stale template", zap.String("host", h.host),
			zap.Uint64("template_id", m.Template.TemplateID))
		return nil
	}
	tmpl := m.Template.Clone()
	h.curTemplate = tmpl
	postfix := h.curPrefixPostfix
	evt := eventual.New[types.TransactionData]()
	h.pending[tmpl.TemplateID] = evt
	outbound := h.outbound
	h.mu.Unlock()

	metrics.TemplateUpdates.WithLabelValues(h.host).Inc()

	if !h.pushJob(Update{Template: tmpl, Postfix: postfix, TxData: evt}) {
		return wire.ProtocolErrorf("job provider exceeded merge job backpressure")
	}
	if outbound != nil {
		outbound <- wire.TransactionDataRequest{TemplateID: tmpl.TemplateID}
	}
	return nil
}

func (h *Handler) handleTransactionData(m *wire.WorkTransactionData) error {
	h.mu.Lock()
	authKey := h.authKey
	h.mu.Unlock()
	if authKey == nil {
		metrics.ProtocolViolations.WithLabelValues(h.host, "txdata_before_auth").Inc()
		return wire.ProtocolErrorf("job provider sent TransactionData before ProtocolVersion")
	}
	if !sig.Verify(authKey, wire.TagWorkTransactionData, m.EncodeUnsigned(), m.Signature) {
		metrics.SignatureFailures.WithLabelValues(h.host).Inc()
		return wire.ProtocolErrorf("job provider TransactionData signature verification failed")
	}

	h.mu.Lock()
	evt, ok := h.pending[m.Data.TemplateID]
	if ok {
		delete(h.pending, m.Data.TemplateID)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Info("discarding TransactionData with no pending request",
			zap.String("host", h.host), zap.Uint64("template_id", m.Data.TemplateID))
		return nil
	}
	evt.Resolve(m.Data)
	return nil
}

func (h *Handler) handleCoinbasePrefixPostfix(m *wire.WorkCoinbasePrefixPostfix) error {
	h.mu.Lock()
	authKey := h.authKey
	h.mu.Unlock()
	if authKey == nil {
		metrics.ProtocolViolations.WithLabelValues(h.host, "postfix_before_auth").Inc()
		return wire.ProtocolErrorf("job provider sent CoinbasePrefixPostfix before ProtocolVersion")
	}
	if !sig.Verify(authKey, wire.TagWorkCoinbasePrefixPostfix, m.EncodeUnsigned(), m.Signature) {
		metrics.SignatureFailures.WithLabelValues(h.host).Inc()
		return wire.ProtocolErrorf("job provider CoinbasePrefixPostfix signature verification failed")
	}

	h.mu.Lock()
	if h.curPrefixPostfix != nil && m.Postfix.Timestamp <= h.curPrefixPostfix.Timestamp {
		h.mu.Unlock()
		return nil
	}
	postfix := m.Postfix
	h.curPrefixPostfix = &postfix
	tmpl := h.curTemplate
	if tmpl == nil {
		h.mu.Unlock()
		return nil
	}
	evt := eventual.New[types.TransactionData]()
	h.pending[tmpl.TemplateID] = evt
	outbound := h.outbound
	h.mu.Unlock()

	if !h.pushJob(Update{Template: tmpl, Postfix: &postfix, TxData: evt}) {
		return wire.ProtocolErrorf("job provider exceeded merge job backpressure")
	}
	if outbound != nil {
		outbound <- wire.TransactionDataRequest{TemplateID: tmpl.TemplateID}
	}
	return nil
}

// pushJob attempts a non-blocking send to jobStream, reporting false if
// the bounded channel is full (backpressure, which closes the
// connection per spec.md §7).
func (h *Handler) pushJob(u Update) bool {
	select {
	case h.jobStream <- u:
		return true
	default:
		return false
	}
}

// SendWinningNonce submits a full-target solution upstream, if a
// connection is currently established.
func (h *Handler) SendWinningNonce(nonce types.WinningNonce) {
	h.mu.Lock()
	outbound := h.outbound
	h.mu.Unlock()
	if outbound == nil {
		return
	}
	outbound <- wire.WorkWinningNonce{Nonce: nonce}
}
