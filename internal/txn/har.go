package txn

import (
	"net/http"
	"strings"
	"time"
)

// HAR 1.2 document. Only the fields the transaction model carries are filled;
// sizes are -1 (unknown) since bodies are not captured.
type HAR struct {
	Log HARLog `json:"log"`
}

type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type HAREntry struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            int64       `json:"time"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Comment         string      `json:"comment,omitempty"`
}

type HARRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	HTTPVersion string `json:"httpVersion"`
	HeadersSize int    `json:"headersSize"`
	BodySize    int    `json:"bodySize"`
}

type HARResponse struct {
	Status      int    `json:"status"`
	StatusText  string `json:"statusText"`
	HTTPVersion string `json:"httpVersion"`
	HeadersSize int    `json:"headersSize"`
	BodySize    int    `json:"bodySize"`
}

// ExportHAR converts a history snapshot into a HAR document. Pending
// transactions get status 0 and time 0.
func ExportHAR(txs []Transaction, creatorVersion string) HAR {
	entries := make([]HAREntry, 0, len(txs))
	for _, t := range txs {
		e := HAREntry{
			StartedDateTime: t.Timestamp,
			Request: HARRequest{
				Method:      t.Method,
				URL:         t.URL,
				HTTPVersion: "HTTP/1.1",
				HeadersSize: -1,
				BodySize:    -1,
			},
			Response: HARResponse{
				HTTPVersion: "HTTP/1.1",
				HeadersSize: -1,
				BodySize:    -1,
			},
		}
		if t.Duration != nil {
			e.Time = *t.Duration
		}
		if t.Status != nil {
			e.Response.Status = *t.Status
			e.Response.StatusText = http.StatusText(*t.Status)
		}
		if len(t.Tags) > 0 {
			e.Comment = "tags: " + strings.Join(t.Tags, ",")
		}
		entries = append(entries, e)
	}
	return HAR{Log: HARLog{
		Version: "1.2",
		Creator: HARCreator{Name: "PacketMind AI", Version: creatorVersion},
		Entries: entries,
	}}
}
