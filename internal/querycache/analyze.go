package querycache

import (
	"sort"
	"strings"
)

type StatementReport struct {
	Statement       string   `json:"statement"`
	Count           int      `json:"count"`
	AvgSeconds      float64  `json:"avg_seconds"`
	MaxSeconds      float64  `json:"max_seconds"`
	TotalSeconds    float64  `json:"total_seconds"`
	Recommendations []string `json:"recommendations,omitempty"`
}

type Analysis struct {
	TotalSlow  int               `json:"total_slow"`
	Statements []StatementReport `json:"statements"`
}

// frequentThreshold is the number of slow runs after which a statement is
// flagged as a candidate for a longer cache TTL.
const frequentThreshold = 5

// AnalyzeSlowQueries summarises the slow-query log per statement, most
// expensive first. The recommendations are heuristics for a human reader.
func (q *QueryCache) AnalyzeSlowQueries() Analysis {
	slow := q.SlowQueries()

	byStmt := make(map[string]*StatementReport)
	for _, s := range slow {
		r, ok := byStmt[s.Statement]
		if !ok {
			r = &StatementReport{Statement: s.Statement}
			byStmt[s.Statement] = r
		}
		r.Count++
		r.TotalSeconds += s.DurationSeconds
		r.MaxSeconds = max(r.MaxSeconds, s.DurationSeconds)
	}

	out := Analysis{TotalSlow: len(slow)}
	for _, r := range byStmt {
		r.AvgSeconds = r.TotalSeconds / float64(r.Count)
		r.Recommendations = recommend(r.Statement, r.Count)
		out.Statements = append(out.Statements, *r)
	}
	sort.Slice(out.Statements, func(i, j int) bool {
		if out.Statements[i].TotalSeconds != out.Statements[j].TotalSeconds {
			return out.Statements[i].TotalSeconds > out.Statements[j].TotalSeconds
		}
		return out.Statements[i].Statement < out.Statements[j].Statement
	})
	return out
}

func recommend(statement string, count int) []string {
	s := strings.ToUpper(statement)
	var recs []string
	if strings.Contains(s, "SELECT *") {
		recs = append(recs, "select only the columns that are needed")
	}
	if strings.HasPrefix(strings.TrimSpace(s), "SELECT") && !strings.Contains(s, "WHERE") {
		recs = append(recs, "add a WHERE clause to avoid a full table scan")
	}
	if strings.Contains(s, "LIKE '%") {
		recs = append(recs, "leading wildcard in LIKE prevents index use")
	}
	if strings.Contains(s, "ORDER BY") && !strings.Contains(s, "LIMIT") {
		recs = append(recs, "bound the sorted result with LIMIT")
	}
	if count >= frequentThreshold {
		recs = append(recs, "runs slowly often; consider a longer cache TTL or an index")
	}
	return recs
}
