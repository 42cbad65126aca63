package main

import (
	"context"
	"time"

	"github.com/pipeops/particle-plumber/pkg/actor"
	"github.com/pipeops/particle-plumber/pkg/config"
	"github.com/pipeops/particle-plumber/pkg/particle"
	"github.com/pipeops/particle-plumber/pkg/vmpool"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// airInterpreterFactory builds the vmpool.Factory that produces one
// interpreter VM per slot. The interpreter engine itself is an external
// dependency the core does not implement (spec.md §1 Non-goals); this
// factory is the seam a real engine plugs into.
func airInterpreterFactory(cfg config.Config) vmpool.Factory {
	return func(ctx context.Context) (vmpool.Interpreter, error) {
		return &stubInterpreter{airInterpreterPath: cfg.VM.AirInterpreterPath}, nil
	}
}

type stubInterpreter struct {
	airInterpreterPath string
}

// unimplementedInterpreter is the actor.RunFunc wired by default. It
// produces no effects and never fails; real deployments replace this with a
// call into the configured interpreter binary or library.
func unimplementedInterpreter(ctx context.Context, vm vmpool.Interpreter, prevData []byte, p particle.ExtendedParticle, functions *actor.FunctionTable) (particle.ParticleEffects, actor.Stats, vmpool.Interpreter, error) {
	return particle.ParticleEffects{}, actor.Stats{Success: true}, vm, nil
}
