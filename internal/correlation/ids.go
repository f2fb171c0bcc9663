// Package correlation pulls backend request and trace ids out of API
// response headers, so a failed call in a report can be looked up in the
// server's own logs.
package correlation

import (
	"regexp"
	"sort"
	"strings"
)

// Kinds, strongest first.
const (
	KindRequest     = "request_id"
	KindCorrelation = "correlation_id"
	KindTrace       = "trace_id"
)

var rank = map[string]int{KindRequest: 0, KindCorrelation: 1, KindTrace: 2}

// ID is one normalized identifier.
type ID struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (id ID) String() string {
	if id.Value == "" {
		return ""
	}
	return id.Kind + ":" + id.Value
}

var (
	traceparentRe = regexp.MustCompile(`(?i)^([0-9a-f]{2})-([0-9a-f]{32})-[0-9a-f]{16}-[0-9a-f]{2}$`)
	cloudTraceRe  = regexp.MustCompile(`(?i)^([0-9a-f]{32})(?:/[0-9]+)?(?:;o=\d+)?$`)
	b3Re          = regexp.MustCompile(`(?i)^([0-9a-f]{16,32})-[0-9a-f]{16}(?:-[01d](?:-[0-9a-f]{16})?)?$`)
)

type extractor struct {
	kind  string
	parse func(string) string
}

func plain(v string) string { return v }

func submatch(re *regexp.Regexp, group int) func(string) string {
	return func(v string) string {
		m := re.FindStringSubmatch(v)
		if len(m) <= group {
			return ""
		}
		return m[group]
	}
}

var headers = map[string]extractor{
	"x-request-id":          {KindRequest, plain},
	"request-id":            {KindRequest, plain},
	"x-amzn-requestid":      {KindRequest, plain},
	"x-correlation-id":      {KindCorrelation, plain},
	"correlation-id":        {KindCorrelation, plain},
	"x-trace-id":            {KindTrace, plain},
	"x-b3-traceid":          {KindTrace, plain},
	"traceparent":           {KindTrace, submatch(traceparentRe, 2)},
	"x-cloud-trace-context": {KindTrace, submatch(cloudTraceRe, 1)},
	"b3":                    {KindTrace, submatch(b3Re, 1)},
}

// FromHeader returns the id carried by one header, if it is a known one.
func FromHeader(name, value string) (ID, bool) {
	ex, ok := headers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ID{}, false
	}
	v := normalize(ex.parse(normalize(value)))
	if v == "" {
		return ID{}, false
	}
	return ID{Kind: ex.kind, Value: v}, true
}

// FromHeaders returns every distinct id in headers, strongest kind first.
func FromHeaders(h map[string]string) []ID {
	seen := make(map[ID]bool)
	var out []ID
	for name, value := range h {
		if id, ok := FromHeader(name, value); ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Kind] != rank[out[j].Kind] {
			return rank[out[i].Kind] < rank[out[j].Kind]
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Best is the strongest id in h, or the zero ID.
func Best(h map[string]string) ID {
	ids := FromHeaders(h)
	if len(ids) == 0 {
		return ID{}
	}
	return ids[0]
}

func normalize(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.Trim(v, "\"'`")
	return strings.TrimRight(v, ".,;:)]}")
}
