// Package router consumes solutions for a single merged WorkInfo and
// submits them to whichever upstream's target they meet.
package router

import (
	"github.com/blockrelay/mining-proxy/internal/eventual"
	"github.com/blockrelay/mining-proxy/internal/jobprovider"
	"github.com/blockrelay/mining-proxy/internal/metrics"
	"github.com/blockrelay/mining-proxy/internal/pool"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/blockrelay/mining-proxy/pkg/bytesutil"
	"go.uber.org/zap"
)

// Router drains one WorkInfo's solution channel for its lifetime,
// submitting each solution upstream as its target is met. A router
// exits when its solutions channel is closed.
type Router struct {
	template    *types.BlockTemplate
	solutions   <-chan types.Solution
	provider    *jobprovider.Handler
	poolHandler *pool.Handler
	difficulty  *types.PoolDifficulty
	txData      *eventual.Eventual[types.TransactionData]
	logger      *zap.Logger

	sharesSent map[[32]byte]bool
}

// New builds a Router for a single merged WorkInfo. difficulty and
// poolHandler may both be nil if no pool is currently active.
func New(
	template *types.BlockTemplate,
	solutions <-chan types.Solution,
	provider *jobprovider.Handler,
	poolHandler *pool.Handler,
	difficulty *types.PoolDifficulty,
	txData *eventual.Eventual[types.TransactionData],
	logger *zap.Logger,
) *Router {
	return &Router{
		template:    template,
		solutions:   solutions,
		provider:    provider,
		poolHandler: poolHandler,
		difficulty:  difficulty,
		txData:      txData,
		logger:      logger,
		sharesSent:  make(map[[32]byte]bool),
	}
}

// Start launches the router's pump goroutine. It returns immediately.
func (r *Router) Start() {
	go r.run()
}

func (r *Router) run() {
	for sol := range r.solutions {
		r.handleSolution(sol)
	}
}

func (r *Router) handleSolution(sol types.Solution) {
	if r.provider != nil && bytesutil.MeetsTargetLE256(sol.BlockHash, r.template.Target) {
		r.provider.SendWinningNonce(sol.Nonce)
		metrics.SolutionsRouted.WithLabelValues("job_provider").Inc()
	}

	if r.poolHandler != nil && r.difficulty != nil && bytesutil.MeetsTargetLE256(sol.BlockHash, r.difficulty.ShareTarget) {
		r.submitShare(sol)
	}

	if r.difficulty != nil && bytesutil.MeetsTargetLE256(sol.BlockHash, r.difficulty.WeakBlockTarget) {
		r.logger.Info("solution meets weak block target, weak block submission not implemented",
			zap.Uint64("template_id", r.template.TemplateID))
	}
}

// submitShare fires the pool Share submission exactly once per
// solution, deferring until tx_data resolves if it has not yet.
func (r *Router) submitShare(sol types.Solution) {
	if r.sharesSent[sol.BlockHash] {
		return
	}
	r.sharesSent[sol.BlockHash] = true

	send := func(types.TransactionData) {
		share := types.PoolShare{
			HeaderVersion:   sol.Nonce.HeaderVersion,
			HeaderPrevBlock: r.template.HeaderPrevBlock,
			HeaderTime:      sol.Nonce.HeaderTime,
			HeaderNBits:     r.template.HeaderNBits,
			HeaderNonce:     sol.Nonce.HeaderNonce,
			MerkleRHSS:      r.template.MerkleRHSS,
			CoinbaseTx:      sol.Nonce.CoinbaseTx,
		}
		r.poolHandler.SendShare(share)
		metrics.SolutionsRouted.WithLabelValues("pool").Inc()
	}

	if r.txData == nil {
		send(types.TransactionData{})
		return
	}
	r.txData.GetAnd(send)
}
