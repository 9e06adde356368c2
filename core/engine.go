package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// teardownFlushTimeout bounds the final synchronous flush during Stop.
const teardownFlushTimeout = 10 * time.Second

// Pipeline binds one exporter to its filters and source routing.
type Pipeline struct {
	Name     string
	Exporter Exporter
	Filters  []FilterPlugin
	Sources  []string
}

// wants reports whether the pipeline accepts events from the given origin.
// An empty source list accepts everything.
func (p *Pipeline) wants(origin string) bool {
	if len(p.Sources) == 0 {
		return true
	}
	for _, source := range p.Sources {
		if source == origin {
			return true
		}
	}
	return false
}

// Engine wires inputs to exporter pipelines. Inputs publish events on a
// shared buffered channel, a single dispatch goroutine fans them out to
// the pipelines, and every exporter runs its own flush loop driven by a
// ticker and the exporter's eager flush requests.
type Engine struct {
	inputCh       chan *LogEvent
	inputs        map[string]InputPlugin
	pipelines     []*Pipeline
	metrics       *Metrics
	metricsServer *MetricsServer

	dispatchWg sync.WaitGroup
	loopWg     sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// NewEngine creates an empty engine. Engines are single-use: once stopped
// they cannot be restarted, a config reload builds a fresh one.
func NewEngine() *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		inputCh: make(chan *LogEvent, 100),
		inputs:  make(map[string]InputPlugin),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewEngineFromConfig validates the configuration and builds the full
// engine from the plugin registry.
func NewEngineFromConfig(config *Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	engine := NewEngine()
	if config.Metrics.Enabled {
		engine.metrics = NewMetrics()
		engine.metricsServer = NewMetricsServer(config.Metrics.Port, engine.metrics, engine.Stats)
	}

	for _, def := range config.Inputs {
		input, err := CreateInputPlugin(def.Type, def.Config)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", def.InstanceName(), err)
		}
		engine.AddInput(def.InstanceName(), input)
	}

	for _, def := range config.Outputs {
		name := def.InstanceName()
		var exporterMetrics *ExporterMetrics
		if engine.metrics != nil {
			exporterMetrics = engine.metrics.ForExporter(name)
		}
		exporter, err := CreateOutputPlugin(def.Type, name, def.Config, exporterMetrics)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		pipeline := &Pipeline{Name: name, Exporter: exporter, Sources: def.Sources}
		for _, filterDef := range def.Filters {
			filter, err := CreateFilterPlugin(filterDef.Type, filterDef.Config)
			if err != nil {
				return nil, fmt.Errorf("output %q filter %q: %w", name, filterDef.Type, err)
			}
			pipeline.Filters = append(pipeline.Filters, filter)
		}
		engine.AddPipeline(pipeline)
	}
	return engine, nil
}

// AddInput registers an input under an instance name. Inputs that expose
// SetName are told their name so they can stamp event origins with it.
func (e *Engine) AddInput(name string, input InputPlugin) {
	input.SetEventChannel(e.inputCh)
	if named, ok := input.(interface{ SetName(name string) }); ok {
		named.SetName(name)
	}
	e.inputs[name] = input
}

// AddPipeline registers an output pipeline.
func (e *Engine) AddPipeline(pipeline *Pipeline) {
	e.pipelines = append(e.pipelines, pipeline)
}

// InputChannel exposes the event channel for in-process publishers.
func (e *Engine) InputChannel() chan<- *LogEvent {
	return e.inputCh
}

// Start brings the engine up: exporter flush loops and the dispatcher
// first, inputs last so no event arrives before a pipeline can take it.
func (e *Engine) Start() error {
	if e.metricsServer != nil {
		e.metricsServer.Start()
	}

	for _, pipeline := range e.pipelines {
		e.loopWg.Add(1)
		go e.runFlushLoop(pipeline)
	}

	e.dispatchWg.Add(1)
	go e.dispatch()

	for name, input := range e.inputs {
		if err := input.Start(); err != nil {
			return fmt.Errorf("failed to start input %q: %w", name, err)
		}
		log.Printf("[ENGINE] Started input '%s'", name)
	}

	log.Printf("[ENGINE] Running with %d input(s) and %d output(s)", len(e.inputs), len(e.pipelines))
	return nil
}

// dispatch fans events out to the pipelines. It exits when the input
// channel is closed and drained, so no accepted event is lost on shutdown.
func (e *Engine) dispatch() {
	defer e.dispatchWg.Done()
	for event := range e.inputCh {
		if event == nil {
			continue
		}
		for _, pipeline := range e.pipelines {
			if !pipeline.wants(event.Origin) {
				continue
			}
			if !e.applyFilters(pipeline, event) {
				continue
			}
			pipeline.Exporter.HandleEvent(event)
		}
	}
}

func (e *Engine) applyFilters(pipeline *Pipeline, event *LogEvent) bool {
	for _, filter := range pipeline.Filters {
		if !filter.Process(event) {
			return false
		}
	}
	return true
}

// runFlushLoop drives one exporter until the engine context is cancelled.
// Flushes run on a background context so cancellation interrupts the wait
// between flushes, never a send already in flight.
func (e *Engine) runFlushLoop(pipeline *Pipeline) {
	defer e.loopWg.Done()
	ticker := time.NewTicker(pipeline.Exporter.FlushInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.flushPipeline(context.Background(), pipeline)
		case <-pipeline.Exporter.FlushRequests():
			e.flushPipeline(context.Background(), pipeline)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) flushPipeline(ctx context.Context, pipeline *Pipeline) {
	if err := pipeline.Exporter.Flush(ctx); err != nil {
		log.Printf("[ENGINE] Flush of output '%s' failed: %v", pipeline.Name, err)
	}
}

// Stop tears the engine down in order: inputs stop producing, the
// dispatcher drains the channel, the flush loops wind down after any
// in-flight flush, then each exporter gets one final flush and is closed.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	log.Printf("[ENGINE] Stopping...")

	for name, input := range e.inputs {
		if err := input.Stop(); err != nil {
			log.Printf("[ENGINE] Failed to stop input '%s': %v", name, err)
		}
	}

	close(e.inputCh)
	e.dispatchWg.Wait()

	e.cancel()
	e.loopWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), teardownFlushTimeout)
	defer cancel()
	for _, pipeline := range e.pipelines {
		e.flushPipeline(ctx, pipeline)
		if err := pipeline.Exporter.Close(); err != nil {
			log.Printf("[ENGINE] Failed to close output '%s': %v", pipeline.Name, err)
		}
	}

	if e.metricsServer != nil {
		if err := e.metricsServer.Close(); err != nil {
			log.Printf("[ENGINE] Failed to stop metrics server: %v", err)
		}
	}

	log.Printf("[ENGINE] Stopped")
}

// Stats reports a snapshot per output pipeline, keyed by pipeline name.
func (e *Engine) Stats() map[string]StatsSnapshot {
	stats := make(map[string]StatsSnapshot, len(e.pipelines))
	for _, pipeline := range e.pipelines {
		stats[pipeline.Name] = pipeline.Exporter.Stats()
	}
	return stats
}
