package topology

import "strings"

// Status is the derived health of a service node.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Threshold bands for derived status. Error rate is a ratio (0.05 = 5%).
const (
	criticalErrorRate = 0.05
	warningErrorRate  = 0.01
	criticalLatencyMS = 1000.0
	warningLatencyMS  = 500.0
)

// DeriveStatus computes a node's health from its latest metrics. It is a
// pure function of the metrics snapshot, recomputed on every merge, so the
// stored status can never drift from the data that produced it.
func DeriveStatus(m Metrics, seen bool) Status {
	if !seen {
		return StatusUnknown
	}
	if m.ErrorRate >= criticalErrorRate || m.P95LatencyMS >= criticalLatencyMS {
		return StatusCritical
	}
	if m.ErrorRate >= warningErrorRate || m.P95LatencyMS >= warningLatencyMS {
		return StatusWarning
	}
	return StatusHealthy
}

// Kind classifies a mesh workload.
type Kind string

const (
	KindGateway  Kind = "gateway"
	KindFrontend Kind = "frontend"
	KindBackend  Kind = "backend"
	KindDatabase Kind = "database"
	KindCache    Kind = "cache"
	KindAuth     Kind = "auth"
	KindOther    Kind = "other"
)

var knownKinds = map[string]Kind{
	"gateway":  KindGateway,
	"frontend": KindFrontend,
	"backend":  KindBackend,
	"database": KindDatabase,
	"cache":    KindCache,
	"auth":     KindAuth,
	"other":    KindOther,
}

// kindSubstrings maps name fragments to kinds, checked in order.
var kindSubstrings = []struct {
	fragment string
	kind     Kind
}{
	{"gateway", KindGateway},
	{"ingress", KindGateway},
	{"auth", KindAuth},
	{"postgres", KindDatabase},
	{"mysql", KindDatabase},
	{"mongo", KindDatabase},
	{"database", KindDatabase},
	{"db", KindDatabase},
	{"redis", KindCache},
	{"memcache", KindCache},
	{"cache", KindCache},
	{"frontend", KindFrontend},
	{"web", KindFrontend},
	{"ui", KindFrontend},
}

// classifyKind maps a declared wire kind, or failing that the service name,
// onto the closed Kind set. Services without a recognizable name default to
// backend, the most common mesh workload.
func classifyKind(declared, name string) Kind {
	if k, ok := knownKinds[declared]; ok {
		return k
	}
	lower := strings.ToLower(name)
	for _, ks := range kindSubstrings {
		if strings.Contains(lower, ks.fragment) {
			return ks.kind
		}
	}
	return KindBackend
}
