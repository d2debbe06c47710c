package scanning

// SummaryRow aggregates findings of one scan that share a check, service,
// severity and region.
type SummaryRow struct {
	CheckID  string
	Service  string
	Severity Severity
	Region   string

	Pass  int
	Fail  int
	Muted int
	Total int
	New   int
}

// Stats is the scan-wide rollup of its summary rows.
type Stats struct {
	TotalPass  int
	TotalFail  int
	TotalMuted int
	Total      int
	Resources  int
	BySeverity map[Severity]int
}

// StatsFromSummary folds summary rows into Stats. Failing findings are
// counted per severity.
func StatsFromSummary(rows []SummaryRow, resources int) Stats {
	st := Stats{Resources: resources, BySeverity: make(map[Severity]int, len(Severities))}
	for _, r := range rows {
		st.TotalPass += r.Pass
		st.TotalFail += r.Fail
		st.TotalMuted += r.Muted
		st.Total += r.Total
		st.BySeverity[r.Severity] += r.Fail
	}
	return st
}
