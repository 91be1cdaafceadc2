package server

import (
	"github.com/thejerf/suture/v4"

	"github.com/Tyrowin/chatrelay/internal/logging"
)

// NewSupervisor builds the supervisor tree that runs the hub and the HTTP
// service. Canceling the context passed to Serve stops both.
func NewSupervisor(hub *Hub, httpService *HTTPService, cfg Config) *suture.Supervisor {
	sup := suture.New("chatrelay", suture.Spec{
		EventHook: logSupervisorEvent,
		Timeout:   cfg.ShutdownTimeout,
	})
	sup.Add(hub)
	sup.Add(httpService)
	return sup
}

func logSupervisorEvent(e suture.Event) {
	switch e.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
		logging.Error().Fields(e.Map()).Msg(e.String())
	case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
		logging.Warn().Fields(e.Map()).Msg(e.String())
	default:
		logging.Info().Fields(e.Map()).Msg(e.String())
	}
}
