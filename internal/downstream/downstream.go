// Package downstream defines the boundary between the merge engine and
// the Stratum-facing server that distributes work to miners and
// reports solutions back. The server itself is an external
// collaborator not implemented by this repository; this package only
// describes the interface it must satisfy and pumps merged work to it.
package downstream

import (
	"context"

	"github.com/blockrelay/mining-proxy/internal/types"
	"go.uber.org/zap"
)

// Sink is implemented by the downstream Stratum server. SubmitWork is
// called once per merged WorkInfo, in arrival order; the server sends
// solutions for that work into info.Solutions, and closing that channel
// once the WorkInfo is stale stops its solution router.
type Sink interface {
	SubmitWork(info *types.WorkInfo)
}

// Pump forwards each WorkInfo from workCh to sink until ctx is done or
// workCh closes. This is the merger-to-downstream leg of the pipeline
// (bounded capacity 5, enforced by the channel merge.Engine
// constructs); Pump itself applies no additional buffering.
func Pump(ctx context.Context, workCh <-chan *types.WorkInfo, sink Sink, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case info, ok := <-workCh:
			if !ok {
				return
			}
			logger.Debug("dispatching merged work downstream", zap.Uint64("template_id", info.Template.TemplateID))
			sink.SubmitWork(info)
		}
	}
}
