package domain

import (
	"fmt"
	"sort"
)

// JobKind is the sum type over all routable job kinds.
type JobKind string

// Job kinds. Legacy kinds alias onto the family queues.
const (
	KindAI       JobKind = "ai"
	KindModel    JobKind = "model"
	KindAssembly JobKind = "assembly"
	KindCAM      JobKind = "cam"
	KindSim      JobKind = "sim"
	KindReport   JobKind = "report"
	KindERP      JobKind = "erp"

	KindCADGenerate    JobKind = "cad_generate"
	KindCADImport      JobKind = "cad_import"
	KindCADExport      JobKind = "cad_export"
	KindModelRepair    JobKind = "model_repair"
	KindCAMProcess     JobKind = "cam_process"
	KindCAMOptimize    JobKind = "cam_optimize"
	KindGCodePost      JobKind = "gcode_post"
	KindGCodeVerify    JobKind = "gcode_verify"
	KindSimRun         JobKind = "sim_run"
	KindSimCollision   JobKind = "sim_collision"
	KindReportGenerate JobKind = "report_generate"
)

// Queue names.
const (
	QueueDefault = "default"
	QueueModel   = "model"
	QueueCAM     = "cam"
	QueueSim     = "sim"
	QueueReport  = "report"
	QueueERP     = "erp"
)

// JobsExchange is the fixed topic exchange all task envelopes go through.
const (
	JobsExchange     = "jobs"
	JobsExchangeType = "topic"
)

// Route is the broker addressing and default execution policy for a kind.
type Route struct {
	Queue          string
	RoutingKey     string
	MaxRetries     int
	TimeoutSeconds int
}

// routes is the static router table. Completeness over all declared kinds
// is a test property; unknown queues are unreachable by construction.
var routes = map[JobKind]Route{
	KindAI:       {Queue: QueueDefault, RoutingKey: "jobs.ai", MaxRetries: 3, TimeoutSeconds: 300},
	KindModel:    {Queue: QueueModel, RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 900},
	KindAssembly: {Queue: QueueModel, RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 900},
	KindCAM:      {Queue: QueueCAM, RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	KindSim:      {Queue: QueueSim, RoutingKey: "jobs.sim", MaxRetries: 2, TimeoutSeconds: 3600},
	KindReport:   {Queue: QueueReport, RoutingKey: "jobs.report", MaxRetries: 3, TimeoutSeconds: 600},
	KindERP:      {Queue: QueueERP, RoutingKey: "jobs.erp", MaxRetries: 5, TimeoutSeconds: 300},

	KindCADGenerate:    {Queue: QueueModel, RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 900},
	KindCADImport:      {Queue: QueueModel, RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 900},
	KindCADExport:      {Queue: QueueModel, RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 900},
	KindModelRepair:    {Queue: QueueModel, RoutingKey: "jobs.model", MaxRetries: 3, TimeoutSeconds: 900},
	KindCAMProcess:     {Queue: QueueCAM, RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	KindCAMOptimize:    {Queue: QueueCAM, RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	KindGCodePost:      {Queue: QueueCAM, RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	KindGCodeVerify:    {Queue: QueueCAM, RoutingKey: "jobs.cam", MaxRetries: 3, TimeoutSeconds: 1800},
	KindSimRun:         {Queue: QueueSim, RoutingKey: "jobs.sim", MaxRetries: 2, TimeoutSeconds: 3600},
	KindSimCollision:   {Queue: QueueSim, RoutingKey: "jobs.sim", MaxRetries: 2, TimeoutSeconds: 3600},
	KindReportGenerate: {Queue: QueueReport, RoutingKey: "jobs.report", MaxRetries: 3, TimeoutSeconds: 600},
}

// queueKinds is the reverse index queue → kinds, precomputed at init for
// the queue position service's same-queue grouping.
var queueKinds = func() map[string][]JobKind {
	idx := make(map[string][]JobKind)
	for k, r := range routes {
		idx[r.Queue] = append(idx[r.Queue], k)
	}
	for q := range idx {
		sort.Slice(idx[q], func(i, j int) bool { return idx[q][i] < idx[q][j] })
	}
	return idx
}()

// RouteFor returns the routing tuple and defaults for kind.
func RouteFor(kind JobKind) (Route, error) {
	r, ok := routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("kind %q: %w", kind, ErrKindUnknown)
	}
	return r, nil
}

// ParseKind validates a raw kind string against the router table.
func ParseKind(s string) (JobKind, error) {
	k := JobKind(s)
	if _, ok := routes[k]; !ok {
		return "", fmt.Errorf("kind %q: %w", s, ErrKindUnknown)
	}
	return k, nil
}

// Kinds returns all routable kinds in stable order.
func Kinds() []JobKind {
	out := make([]JobKind, 0, len(routes))
	for k := range routes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KindsForQueue returns every kind routed to the given queue, in stable order.
func KindsForQueue(queue string) []JobKind {
	return queueKinds[queue]
}
