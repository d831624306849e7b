package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered in their own registry, so that more than one pipeline can exist in a process
type Metrics struct {
	Registry *prometheus.Registry

	sourceFrames *prometheus.CounterVec
	detections   *prometheus.CounterVec
	mutations    *prometheus.CounterVec
}

func newMetrics(p *Pipeline) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		sourceFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screenguard_source_frames_total",
			Help: "Source frames that reached the output.",
		}, []string{"source"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screenguard_detections_total",
			Help: "Objects detected, by source and label.",
		}, []string{"source", "label"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screenguard_mutations_total",
			Help: "Graph mutations, by operation and result.",
		}, []string{"op", "result"}),
	}
	outputFrames := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "screenguard_output_frames_total",
		Help: "Composited frames that reached the output.",
	}, func() float64 {
		return float64(p.output.sink.Frames.Load())
	})
	sources := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "screenguard_sources",
		Help: "Attached sources.",
	}, func() float64 {
		return float64(len(p.Sources()))
	})
	stageCount := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "screenguard_stages",
		Help: "Stages in the graph, excluding bins.",
	}, func() float64 {
		return float64(p.Graph.NumStages())
	})
	generation := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "screenguard_graph_generation",
		Help: "Incremented on every topology change.",
	}, func() float64 {
		return float64(p.Graph.Generation())
	})
	m.Registry.MustRegister(m.sourceFrames, m.detections, m.mutations, outputFrames, sources, stageCount, generation, &detectorCollector{p: p})
	return m
}

// detectorCollector reports the stats of every detector that exists at the time of collection
type detectorCollector struct {
	p *Pipeline
}

var (
	detectorPairsDesc = prometheus.NewDesc("screenguard_detector_pairs_total",
		"Frame pairs that arrived at a detector, by outcome.", []string{"detector", "outcome"}, nil)
	detectorInFlightDesc = prometheus.NewDesc("screenguard_detector_in_flight",
		"Frame pairs waiting to leave a detector.", []string{"detector"}, nil)
	detectorLatencyDesc = prometheus.NewDesc("screenguard_detector_latency_seconds",
		"Recent average inference latency.", []string{"detector"}, nil)
)

func (c *detectorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- detectorPairsDesc
	ch <- detectorInFlightDesc
	ch <- detectorLatencyDesc
}

func (c *detectorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.p.Detectors() {
		name := d.Name()
		s := &d.Stats
		outcomes := []struct {
			name  string
			value int64
		}{
			{"inferred", s.Inferences.Load()},
			{"coupled", s.Coupled.Load()},
			{"passthrough", s.Passthrough.Load()},
			{"dropped", s.Dropped.Load()},
			{"error", s.Errors.Load()},
		}
		for _, o := range outcomes {
			ch <- prometheus.MustNewConstMetric(detectorPairsDesc, prometheus.CounterValue, float64(o.value), name, o.name)
		}
		ch <- prometheus.MustNewConstMetric(detectorInFlightDesc, prometheus.GaugeValue, float64(d.InFlight()), name)
		ch <- prometheus.MustNewConstMetric(detectorLatencyDesc, prometheus.GaugeValue, s.Latency.Recent().Seconds(), name)
	}
}
