package liveobjects

import (
	"log/slog"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// StateStore receives object states once the engine has changed them.
// *store.Store implements it.
type StateStore interface {
	// Replace swaps the whole stored registry for states.
	Replace(states []protocol.ObjectState) error
	// Put overwrites the stored state of every object in states.
	Put(states []protocol.ObjectState) error
}

type Options struct {
	Logger utils.Logger
	// Store, when set, mirrors every commit and live update.
	Store StateStore
	// Registerer, when set, gets the engine metrics registered on New.
	Registerer prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}
