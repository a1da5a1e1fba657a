package main

import (
	"go.uber.org/zap"

	"github.com/dart-go/dartq/internal/registry"
)

// registerBuiltins installs dartqctl's demonstration handlers. Every unit
// in a team must register the same handlers in the same order for the
// translation table built by amq.Runtime.Init to stay the identity
// function (the common, homogeneous-binary case).
func registerBuiltins(reg *registry.Registry, log *zap.SugaredLogger) {
	reg.MustRegister("echo", func(data []byte) {
		log.Infow("dartqctl: echo handler invoked", "bytes", len(data), "payload", string(data))
	})
	reg.MustRegister("noop", func(data []byte) {})
}
