// Package merge builds composite mining work (template + payout policy
// + difficulty) from independently updating job-provider and pool
// sources, and spawns a solution router for each merged result.
package merge

import (
	"sync"

	"github.com/blockrelay/mining-proxy/internal/eventual"
	"github.com/blockrelay/mining-proxy/internal/jobprovider"
	"github.com/blockrelay/mining-proxy/internal/metrics"
	"github.com/blockrelay/mining-proxy/internal/pool"
	"github.com/blockrelay/mining-proxy/internal/router"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/blockrelay/mining-proxy/pkg/bytesutil"
	"go.uber.org/zap"
)

// workChanCapacity is the merger-to-downstream bound (spec: 5).
const workChanCapacity = 5

// solutionChanCapacity stands in for an "unbounded" downstream solution
// stream. Go has no literal unbounded channel; solutions are rare
// relative to CPU cost, so a generous buffer behaves as unbounded in
// practice while still giving a finite memory bound.
const solutionChanCapacity = 256

// Engine merges job-provider and pool updates into WorkInfo and
// publishes each to WorkChannel. It owns no goroutine of its own;
// callers drive it from jobprovider.Handler/pool.Handler update
// streams (typically via a coordinator select loop).
type Engine struct {
	payoutScript []byte
	logger       *zap.Logger

	pools []*pool.Handler // ordered by ascending priority (0 = highest)

	mu            sync.Mutex
	curTemplate   *types.BlockTemplate
	curPostfix    *types.CoinbasePrefixPostfix
	curTxData     *eventual.Eventual[types.TransactionData]
	curProvider   *jobprovider.Handler
	curPayoutInfo *types.PoolPayoutInfo
	curDifficulty *types.PoolDifficulty
	activePool    *pool.Handler

	workCh chan *types.WorkInfo
}

// New returns an Engine paying the operator's output to payoutScript.
// pools should be supplied in configured (priority) order.
func New(payoutScript []byte, pools []*pool.Handler, logger *zap.Logger) *Engine {
	return &Engine{
		payoutScript: payoutScript,
		pools:        pools,
		logger:       logger,
		workCh:       make(chan *types.WorkInfo, workChanCapacity),
	}
}

// WorkChannel returns the bounded stream of merged work handed to the
// downstream Stratum server.
func (e *Engine) WorkChannel() <-chan *types.WorkInfo {
	return e.workCh
}

// HandleJobProviderUpdate installs a new template/postfix/tx-data
// eventual from src and attempts a remerge. The per-connection
// monotonicity check already happened in jobprovider.Handler; this
// just records which provider is now authoritative for routing.
func (e *Engine) HandleJobProviderUpdate(src *jobprovider.Handler, u jobprovider.Update) {
	e.mu.Lock()
	e.curTemplate = u.Template
	e.curPostfix = u.Postfix
	e.curTxData = u.TxData
	e.curProvider = src
	e.mu.Unlock()

	e.remerge()
}

// HandlePoolUpdate installs a new payout-info/difficulty pair from src
// if src is the currently active pool (or becomes active because no
// pool is currently connected), and attempts a remerge.
func (e *Engine) HandlePoolUpdate(src *pool.Handler, u pool.Update) {
	e.mu.Lock()
	active := e.selectActivePool()
	if active != src {
		e.mu.Unlock()
		return
	}
	e.activePool = src
	e.curPayoutInfo = u.Info
	e.curDifficulty = u.Difficulty
	e.mu.Unlock()

	e.remerge()
}

// selectActivePool returns the first connected pool of lowest numeric
// priority, or nil if none are connected. Must be called with e.mu
// held.
func (e *Engine) selectActivePool() *pool.Handler {
	for _, p := range e.pools {
		if p.IsConnected() {
			metrics.ActivePoolPriority.Set(float64(p.Priority()))
			return p
		}
	}
	metrics.ActivePoolPriority.Set(-1)
	return nil
}

func (e *Engine) remerge() {
	e.mu.Lock()
	tmpl := e.curTemplate
	postfix := e.curPostfix
	txData := e.curTxData
	provider := e.curProvider
	payoutInfo := e.curPayoutInfo
	difficulty := e.curDifficulty
	activePool := e.activePool
	e.mu.Unlock()

	if tmpl == nil {
		return
	}

	merged, ok := Merge(tmpl, postfix, e.payoutScript, payoutInfo, difficulty)
	if !ok {
		return
	}
	metrics.MergeSuccesses.Inc()

	solutions := make(chan types.Solution, solutionChanCapacity)
	info := &types.WorkInfo{Template: merged, Solutions: solutions}

	router.New(merged, solutions, provider, activePool, difficulty, txData, e.logger).Start()

	select {
	case e.workCh <- info:
	default:
		e.logger.Warn("dropping merged work, downstream channel full")
	}
}

// Merge implements the composite coinbase/target build described for
// the proxy's work merger. It returns (nil, false) when no work can be
// produced: no template, or an arithmetic/sanity guard trips. Guard
// failures are not errors; they simply drop this merge attempt.
func Merge(
	tmpl *types.BlockTemplate,
	postfix *types.CoinbasePrefixPostfix,
	payoutScript []byte,
	payoutInfo *types.PoolPayoutInfo,
	difficulty *types.PoolDifficulty,
) (*types.BlockTemplate, bool) {
	if tmpl == nil {
		return nil, false
	}
	merged := tmpl.Clone()

	var constant uint64
	for _, out := range merged.AppendedCoinbaseOutputs {
		if out.Value > types.MaxSatoshis {
			metrics.MergeFailures.WithLabelValues("output_value_overflow").Inc()
			return nil, false
		}
		constant += out.Value
	}
	if payoutInfo != nil {
		for _, out := range payoutInfo.AppendedOutputs {
			if out.Value > types.MaxSatoshis {
				metrics.MergeFailures.WithLabelValues("output_value_overflow").Inc()
				return nil, false
			}
			constant += out.Value
		}
	}

	prefix := append([]byte(nil), merged.CoinbasePrefix...)
	if postfix != nil {
		prefix = append(prefix, postfix.CoinbasePrefixPostfix...)
	}

	selfRatio := uint64(0)
	if payoutInfo != nil {
		selfRatio = uint64(payoutInfo.SelfPayoutRatioPer1000)
	}

	if constant > merged.CoinbaseValueRemaining {
		metrics.MergeFailures.WithLabelValues("negative_remaining").Inc()
		return nil, false
	}
	valueRemaining := merged.CoinbaseValueRemaining - constant
	ourValue := valueRemaining * selfRatio / 1000

	outputs := make([]types.TxOut, 0, len(merged.AppendedCoinbaseOutputs)+2)
	outputs = append(outputs, types.TxOut{Value: ourValue, ScriptPubKey: payoutScript})
	if payoutInfo != nil {
		outputs = append(outputs, types.TxOut{
			Value:        valueRemaining - ourValue,
			ScriptPubKey: payoutInfo.RemainingPayout,
		})
		outputs = append(outputs, payoutInfo.AppendedOutputs...)
	}
	outputs = append(outputs, merged.AppendedCoinbaseOutputs...)

	if difficulty != nil {
		merged.Target = bytesutil.MinLE256(merged.Target, difficulty.ShareTarget)
		merged.Target = bytesutil.MinLE256(merged.Target, difficulty.WeakBlockTarget)
	}

	if payoutInfo != nil {
		prefix = append(prefix, payoutInfo.CoinbasePostfix...)
	}
	merged.CoinbasePrefix = prefix
	merged.AppendedCoinbaseOutputs = outputs

	return merged, true
}
