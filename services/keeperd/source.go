package keeperd

import (
	"context"
	"log/slog"

	"formicarium/config"
	"formicarium/core"
	"formicarium/core/events"
)

// NodeSource opens a node from cfg for every scan and closes it afterwards,
// leaving the stores free for the CLI between sweeps. The scan nodes never
// open the journal themselves; engine events go to sink instead.
func NodeSource(cfg *config.Config, logger *slog.Logger, sink events.Emitter) EngineSource {
	scanCfg := *cfg
	scanCfg.Journal.DSN = ""
	return func(ctx context.Context) (Engine, func(), error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		node, err := core.NewNode(&scanCfg, logger, core.WithEmitter(sink))
		if err != nil {
			return nil, nil, err
		}
		return node.Engine(), func() { _ = node.Close() }, nil
	}
}
