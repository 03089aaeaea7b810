package server

import (
	"context"

	"hopflow/internal/logging"
	"hopflow/internal/transport"
)

// ServeRunner exposes the in-process dataflow runner over grpc on the
// configured address until ctx ends.
func (p *Platform) ServeRunner(ctx context.Context) error {
	log := logging.Channel("transport")
	srv, err := transport.Listen(p.Config.Runner.Listen, &transport.Service{Runner: p.Direct}, log)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	log.Info("runner listening", "addr", srv.Addr().String())
	return srv.Serve()
}
