// Package graph builds and tears down the ordered chain of decode stages.
//
// Build either returns a fully tunneled graph or nothing: every failure is
// rolled back in reverse creation order before the error is returned.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrNoStages is returned when Build is called with an empty stage list
	ErrNoStages = errors.New("graph: no stages configured")

	// ErrNoRenderStage is returned when the last stage cannot emit buffers
	ErrNoRenderStage = errors.New("graph: last stage is not a render stage")

	// ErrTunnelsEstablished is returned when a stage is destroyed while a
	// tunnel touching it is still established
	ErrTunnelsEstablished = errors.New("graph: stage still has established tunnels")

	// ErrTornDown is returned by accessors after Teardown
	ErrTornDown = errors.New("graph: torn down")
)

// BuildError reports the step that failed and any rollback failures
type BuildError struct {
	// Step is a short description of the failed step, e.g. "create stage 2 (scheduler)"
	Step string
	// Index is the position of the failed stage or tunnel
	Index int
	// Err is the underlying failure joined with every rollback error
	Err error
	// Remains holds the stages and tunnels rollback could not release, or
	// nil when nothing is left. Its Teardown retries the release.
	Remains *Graph
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("graph: build failed at %s: %v", e.Step, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Graph is a built chain of stages connected by tunnels
type Graph struct {
	mu      sync.Mutex
	backend Backend
	stages  []Stage
	tunnels []Tunnel
	// links counts established tunnels per stage
	links    map[Stage]int
	tornDown bool
	logger   *slog.Logger
}

// Build creates every stage in order, tunnels adjacent stages and enables
// the render stage.
//
// On failure every tunnel and stage created so far is released in reverse
// order and a *BuildError is returned; no partial graph stays alive.
func Build(backend Backend, specs []StageSpec, logger *slog.Logger) (*Graph, error) {
	if len(specs) == 0 {
		return nil, ErrNoStages
	}
	if specs[len(specs)-1].Kind != StageRender {
		return nil, ErrNoRenderStage
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Graph{
		backend: backend,
		links:   make(map[Stage]int),
		logger:  logger,
	}

	for i, spec := range specs {
		stage, err := backend.CreateStage(spec)
		if err != nil {
			return nil, g.rollback(fmt.Sprintf("create stage %d (%s)", i, spec.Kind), i, err)
		}
		g.stages = append(g.stages, stage)
		g.logger.Debug("graph: stage created", "index", i, "kind", spec.Kind.String(), "name", stage.Name())
	}

	for i := 0; i+1 < len(g.stages); i++ {
		from, to := g.stages[i], g.stages[i+1]
		tunnel, err := backend.Establish(from, to)
		if err != nil {
			return nil, g.rollback(fmt.Sprintf("tunnel %d (%s -> %s)", i, from.Name(), to.Name()), i, err)
		}
		g.tunnels = append(g.tunnels, tunnel)
		g.links[from]++
		g.links[to]++
		g.logger.Debug("graph: tunnel established", "index", i, "from", from.Name(), "to", to.Name())
	}

	render, ok := g.stages[len(g.stages)-1].(RenderStage)
	if !ok {
		return nil, g.rollback("enable render stage", len(g.stages)-1, ErrNoRenderStage)
	}
	if err := render.Enable(); err != nil {
		return nil, g.rollback("enable render stage", len(g.stages)-1, err)
	}

	g.logger.Info("graph: built",
		"stages", len(g.stages),
		"tunnels", len(g.tunnels),
	)

	return g, nil
}

// rollback releases everything created so far and wraps cause
func (g *Graph) rollback(step string, index int, cause error) error {
	g.logger.Warn("graph: build step failed, rolling back",
		"step", step,
		"error", cause,
		"stages", len(g.stages),
		"tunnels", len(g.tunnels),
	)

	g.tornDown = true
	buildErr := &BuildError{Step: step, Index: index}

	errs := []error{cause}
	if err := g.release(); err != nil {
		errs = append(errs, fmt.Errorf("rollback: %w", err))
	}
	if len(g.stages) > 0 || len(g.tunnels) > 0 {
		buildErr.Remains = g
	}
	buildErr.Err = errors.Join(errs...)
	return buildErr
}

// release tears down tunnels then stages, both in reverse order.
// A stage whose tunnels could not be torn down is not destroyed. Whatever
// could not be released stays in g.tunnels and g.stages.
func (g *Graph) release() error {
	var errs []error

	var tunnels []Tunnel
	for i := len(g.tunnels) - 1; i >= 0; i-- {
		t := g.tunnels[i]
		if err := t.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("tunnel %s -> %s: %w", t.From().Name(), t.To().Name(), err))
			tunnels = append(tunnels, t)
			continue
		}
		g.links[t.From()]--
		g.links[t.To()]--
	}
	slices.Reverse(tunnels)
	g.tunnels = tunnels

	var stages []Stage
	for i := len(g.stages) - 1; i >= 0; i-- {
		s := g.stages[i]
		if g.links[s] > 0 {
			errs = append(errs, fmt.Errorf("stage %s: %w", s.Name(), ErrTunnelsEstablished))
			stages = append(stages, s)
			continue
		}
		if err := s.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("stage %s: %w", s.Name(), err))
			stages = append(stages, s)
			continue
		}
		delete(g.links, s)
	}
	slices.Reverse(stages)
	g.stages = stages

	return errors.Join(errs...)
}

// Teardown releases every tunnel and stage in reverse order. Each resource
// is released exactly once: a call after a complete teardown is a no-op,
// and a call after a partial one retries only what is still alive.
func (g *Graph) Teardown() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tornDown && len(g.stages) == 0 && len(g.tunnels) == 0 {
		return nil
	}
	g.tornDown = true

	err := g.release()
	if err != nil {
		g.logger.Error("graph: teardown incomplete",
			"error", err,
			"stages_left", len(g.stages),
			"tunnels_left", len(g.tunnels),
		)
	} else {
		g.logger.Debug("graph: torn down")
	}
	return err
}

// Counts returns the number of live stages and tunnels
func (g *Graph) Counts() (stages, tunnels int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.stages), len(g.tunnels)
}

// Input returns the first stage that accepts encoded data
func (g *Graph) Input() (InputStage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tornDown {
		return nil, ErrTornDown
	}
	for _, s := range g.stages {
		if in, ok := s.(InputStage); ok {
			return in, nil
		}
	}
	return nil, errors.New("graph: no input stage")
}

// Render returns the final stage
func (g *Graph) Render() (RenderStage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tornDown {
		return nil, ErrTornDown
	}
	// Build guarantees the last stage is a RenderStage
	return g.stages[len(g.stages)-1].(RenderStage), nil
}

// Backend returns the backend the graph was built with
func (g *Graph) Backend() Backend {
	return g.backend
}
