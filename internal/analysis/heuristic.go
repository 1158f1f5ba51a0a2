package analysis

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/packetmind/packetmind/internal/filter"
	"github.com/packetmind/packetmind/internal/txn"
)

// Thresholds used by the corpus heuristics.
const (
	domainBurstThreshold = 100
	slowResponseMs       = 1000
)

// Finding messages, in the order they are reported.
const (
	FindingSQLInjection  = "Potential SQL injection attack"
	FindingXSS           = "Potential XSS attack"
	FindingSensitiveData = "Sensitive information exposure detected"
)

type pattern struct {
	name  string
	regex *regexp.Regexp
}

func compilePatterns(raw [][2]string) []pattern {
	out := make([]pattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, pattern{name: r[0], regex: regexp.MustCompile(r[1])})
	}
	return out
}

// Patterns run against the lower-cased, URL-decoded path and query.
var (
	sqlPatterns = compilePatterns([][2]string{
		{"select_from", `\bselect\b.+\bfrom\b`},
		{"insert_into", `\binsert\s+into\b`},
		{"update_set", `\bupdate\b.+\bset\b`},
		{"delete_from", `\bdelete\s+from\b`},
		{"drop", `\bdrop\s+(table|database)\b`},
		{"union_select", `\bunion(\s+all)?\s+select\b`},
		{"tautology", `\bor\s+'?1'?\s*=\s*'?1`},
		{"terminator", `'\s*;\s*(drop|--)|'\s*--`},
	})

	xssPatterns = compilePatterns([][2]string{
		{"script_tag", `<script`},
		{"js_scheme", `javascript:`},
		{"event_handler", `\bon(load|error|click)\s*=`},
		{"dialog_call", `\b(alert|confirm|prompt)\s*\(`},
	})

	sensitiveWords = []string{
		"password", "passwd", "token", "secret", "api_key", "apikey", "key",
		"auth", "credit_card", "ssn", "social_security",
	}

	staticExtensions = map[string]bool{
		".js": true, ".css": true, ".png": true, ".jpg": true, ".jpeg": true,
		".gif": true, ".svg": true, ".webp": true, ".ico": true, ".woff": true,
		".woff2": true, ".ttf": true, ".map": true, ".mp4": true,
	}

	versionSegment = regexp.MustCompile(`/v\d+(/|$)`)
)

// HeuristicEngine is the local, offline analysis engine. It works only from
// the fields the transaction model carries: method, URL, status and timing.
type HeuristicEngine struct{}

// NewHeuristicEngine creates a HeuristicEngine.
func NewHeuristicEngine() *HeuristicEngine {
	return &HeuristicEngine{}
}

type requestView struct {
	method   string
	scheme   string
	path     string
	rawQuery string
	// lower-cased, decoded path + "?" + query
	text       string
	paramNames []string
}

func viewOf(t txn.Transaction) requestView {
	v := requestView{method: strings.ToUpper(t.Method)}
	if v.method == "CONNECT" || !strings.Contains(t.URL, "://") {
		v.text = strings.ToLower(t.URL)
		return v
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		v.text = strings.ToLower(t.URL)
		return v
	}
	v.scheme = strings.ToLower(u.Scheme)
	v.path = u.Path
	v.rawQuery = u.RawQuery

	query, qerr := url.QueryUnescape(u.RawQuery)
	if qerr != nil {
		query = u.RawQuery
	}
	// '+' decodes to a space in query strings.
	query = strings.ReplaceAll(query, "+", " ")
	v.text = strings.ToLower(u.Path + "?" + query)

	for name := range u.Query() {
		v.paramNames = append(v.paramNames, strings.ToLower(name))
	}
	sort.Strings(v.paramNames)
	return v
}

func (v requestView) matchesAny(patterns []pattern) bool {
	for _, p := range patterns {
		if p.regex.MatchString(v.text) {
			return true
		}
	}
	return false
}

func (v requestView) sensitive() bool {
	for _, name := range v.paramNames {
		for _, w := range sensitiveWords {
			if strings.Contains(name, w) {
				return true
			}
		}
	}
	lowerPath := strings.ToLower(v.path)
	for _, w := range []string{"password", "secret", "credit_card", "ssn", "social_security"} {
		if strings.Contains(lowerPath, w) {
			return true
		}
	}
	return false
}

func (v requestView) static() bool {
	return staticExtensions[strings.ToLower(path.Ext(v.path))]
}

// DetectVulnerabilities reports SQL injection, XSS and sensitive-data
// findings, in that order.
func (e *HeuristicEngine) DetectVulnerabilities(ctx context.Context, t txn.Transaction) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return detect(viewOf(t)), nil
}

func detect(v requestView) []string {
	findings := []string{}
	if v.matchesAny(sqlPatterns) {
		findings = append(findings, FindingSQLInjection)
	}
	if v.matchesAny(xssPatterns) {
		findings = append(findings, FindingXSS)
	}
	if v.sensitive() {
		findings = append(findings, FindingSensitiveData)
	}
	return findings
}

// AnalyzeTransaction builds a full Result for one transaction.
func (e *HeuristicEngine) AnalyzeTransaction(ctx context.Context, t txn.Transaction) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viewOf(t)
	findings := detect(v)
	sensitive := v.sensitive()

	r := &Result{
		SecurityRisk:            assessRisk(v, findings, sensitive),
		PerformanceInsights:     performanceInsights(t),
		OptimizationSuggestions: optimizationSuggestions(t, v),
		AnomalyDetection:        anomalies(t, findings),
		APIPatterns:             []APIPattern{recognizePattern(v)},
		DataFlowAnalysis: DataFlowAnalysis{
			DataTypes:             dataTypes(v),
			SensitiveDataDetected: sensitive,
			DataFlowDirection:     flowDirection(v.method),
			ComplianceIssues:      complianceIssues(v, sensitive),
		},
	}
	r.normalize()
	return r, nil
}

func assessRisk(v requestView, findings []string, sensitive bool) SecurityRisk {
	injection := 0
	for _, f := range findings {
		if f == FindingSQLInjection || f == FindingXSS {
			injection++
		}
	}
	plain := v.scheme == "http"
	switch {
	case injection == 2, injection == 1 && sensitive:
		return RiskCritical
	case injection == 1, sensitive && plain:
		return RiskHigh
	case sensitive, plain:
		return RiskMedium
	default:
		return RiskLow
	}
}

func performanceInsights(t txn.Transaction) []string {
	if t.Duration == nil {
		return []string{"Response not observed yet; timing unavailable"}
	}
	d := *t.Duration
	if d > slowResponseMs {
		return []string{
			fmt.Sprintf("Response took %dms, above the %dms budget", d, slowResponseMs),
			"Consider caching this response or moving work off the request path",
		}
	}
	return []string{fmt.Sprintf("Response time %dms is within the normal range", d)}
}

func optimizationSuggestions(t txn.Transaction, v requestView) []string {
	var out []string
	if v.scheme == "http" {
		out = append(out, "Serve this endpoint over HTTPS")
	}
	if v.static() {
		out = append(out, "Serve static assets from a CDN with long-lived cache headers")
		if t.Status != nil && *t.Status == 200 {
			out = append(out, "Enable compression (gzip or brotli) for static assets")
		}
	}
	if t.Status != nil && *t.Status >= 300 && *t.Status < 400 && *t.Status != 304 {
		out = append(out, "Link to the final location to avoid a redirect round trip")
	}
	if len(v.rawQuery) > 1024 {
		out = append(out, "Query string is very long; move parameters into a request body")
	}
	return out
}

func anomalies(t txn.Transaction, findings []string) []string {
	var out []string
	if t.Status != nil && *t.Status >= 500 {
		out = append(out, fmt.Sprintf("Server error detected: %d - %s", *t.Status, t.URL))
	}
	for _, f := range findings {
		if f != FindingSensitiveData {
			out = append(out, f)
		}
	}
	return out
}

func recognizePattern(v requestView) APIPattern {
	lowerPath := strings.ToLower(v.path)
	switch {
	case v.method == "CONNECT":
		return APIPattern{PatternType: "TLS Tunnel", Confidence: 1, Description: "Opaque CONNECT tunnel; payload not inspected"}
	case strings.Contains(lowerPath, "graphql"):
		return APIPattern{PatternType: "GraphQL", Confidence: 0.9, Description: "GraphQL endpoint"}
	case v.static():
		return APIPattern{PatternType: "Static Resource", Confidence: 0.9, Description: "Static asset download"}
	case strings.HasPrefix(lowerPath, "/api/") || strings.Contains(lowerPath, "/api/") || versionSegment.MatchString(lowerPath):
		return APIPattern{PatternType: "REST API", Confidence: 0.85, Description: "Standard RESTful API call"}
	default:
		return APIPattern{PatternType: "Web Page", Confidence: 0.5, Description: "Regular page or unknown endpoint"}
	}
}

func dataTypes(v requestView) []string {
	var out []string
	lowerPath := strings.ToLower(v.path)
	switch {
	case v.method == "CONNECT":
		out = append(out, "Encrypted Stream")
	case v.static():
		out = append(out, "Static Asset")
	case strings.Contains(lowerPath, "/api/") || strings.Contains(lowerPath, "graphql") || versionSegment.MatchString(lowerPath):
		out = append(out, "JSON")
	default:
		out = append(out, "HTML")
	}
	if v.rawQuery != "" {
		out = append(out, "Query Parameters")
	}
	return out
}

func flowDirection(method string) string {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return "Client to Server"
	case "CONNECT":
		return "Bidirectional"
	default:
		return "Server to Client"
	}
}

func complianceIssues(v requestView, sensitive bool) []string {
	var out []string
	if !sensitive {
		return out
	}
	if v.scheme == "http" {
		out = append(out, "Sensitive data sent over unencrypted HTTP")
	}
	for _, name := range v.paramNames {
		for _, w := range sensitiveWords {
			if strings.Contains(name, w) {
				out = append(out, fmt.Sprintf("Sensitive parameter %q in URL query may be logged by intermediaries", name))
				break
			}
		}
	}
	return out
}

// Insights reports corpus-wide anomalies followed by optimization
// suggestions.
func (e *HeuristicEngine) Insights(ctx context.Context, corpus []txn.Transaction) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	insights := []string{}
	insights = append(insights, corpusAnomalies(corpus)...)
	insights = append(insights, corpusOptimizations(corpus)...)
	return insights, nil
}

func corpusAnomalies(corpus []txn.Transaction) []string {
	var out []string

	counts := make(map[string]int)
	for _, t := range corpus {
		counts[filter.ExtractDomain(t.URL)]++
	}
	domains := make([]string, 0, len(counts))
	for d, n := range counts {
		if n > domainBurstThreshold {
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)
	for _, d := range domains {
		out = append(out, fmt.Sprintf("Unusual request frequency for domain %s: %d requests", d, counts[d]))
	}

	for _, t := range corpus {
		if t.Status != nil && *t.Status >= 500 {
			out = append(out, fmt.Sprintf("Server error detected: %d - %s", *t.Status, t.URL))
		}
	}
	return out
}

func corpusOptimizations(corpus []txn.Transaction) []string {
	var out []string

	var total, timed int64
	for _, t := range corpus {
		if t.Duration != nil {
			total += *t.Duration
			timed++
		}
	}
	if timed > 0 && total/timed > slowResponseMs {
		out = append(out, fmt.Sprintf("Average response time %dms exceeds 1 second; optimize backend performance", total/timed))
	}

	// Without response headers, cache use is read from revalidations:
	// a 304 means the client already held a cached copy.
	var static, revalidated int
	for _, t := range corpus {
		if t.Status == nil || !viewOf(t).static() {
			continue
		}
		static++
		if *t.Status == 304 {
			revalidated++
		}
	}
	if static > 0 && revalidated < static/2 {
		out = append(out, fmt.Sprintf("Low cache usage: %d of %d static asset requests were full downloads; add caching headers", static-revalidated, static))
	}
	return out
}
