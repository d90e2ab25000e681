package handlers

import (
	"github.com/feichai0017/zone-engine/internal/engine"
	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/internal/utils/validator"
	"github.com/feichai0017/zone-engine/pkg/dispatch"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store"
)

type Handlers struct {
	Zones  *ZoneHandler
	Stream *StreamHandler
}

func NewHandlers(
	eng *engine.Engine,
	hub *status.Hub,
	dispatcher *dispatch.Dispatcher,
	states store.ZoneStateStore,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Zones:  NewZoneHandler(eng, hub, dispatcher, states, validator.NewZoneValidator(log, nil), log),
		Stream: NewStreamHandler(hub, log),
	}
}
