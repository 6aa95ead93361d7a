// Package cards projects a submission's findings into the SubmissionCard
// shape the admin UI renders.
package cards

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/invigil/invigil/internal/catalog"
	"github.com/invigil/invigil/internal/store"
)

// Severity is a card or domain's worst-observed risk level.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityInfo     Severity = "info"
	SeverityCritical Severity = "critical"
)

// DomainHit is one top_domain entry with its derived severity.
type DomainHit struct {
	Domain   string
	Count    int
	Severity Severity
}

// SubmissionCard is the admin UI's per-submission summary tile.
type SubmissionCard struct {
	SubmissionID   string
	StudentName    string
	CreatedAtPretty string
	DurationPretty  string
	HadBrowser      bool
	NumWebRequests  int
	TopDomains      []DomainHit
	MaxSeverity     Severity
	Status          string
}

const prettyLayout = "Jan 2, 2006 15:04"

// Build projects one submission plus its findings into a SubmissionCard.
func Build(sub store.Submission, findings []store.Finding) SubmissionCard {
	c := SubmissionCard{
		SubmissionID:    sub.SubmissionID,
		StudentName:     sub.StudentName,
		CreatedAtPretty: sub.CreatedAt.Local().Format(prettyLayout),
		Status:          sub.Status,
		MaxSeverity:     SeverityNone,
	}

	var durationMinutes int64
	for _, f := range findings {
		switch {
		case f.Kind == "meta" && f.Key == "duration_minutes":
			durationMinutes, _ = strconv.ParseInt(f.Value, 10, 64)
		case f.Kind == "proc" && f.Key == "had_browser":
			c.HadBrowser = strings.EqualFold(f.Value, "true")
		case f.Kind == "net" && f.Key == "total_net_events":
			n, _ := strconv.Atoi(f.Value)
			c.NumWebRequests = n
		case f.Kind == "net" && f.Key == "top_domain":
			domain, count, ok := splitLabelCount(f.Value)
			if !ok {
				continue
			}
			sev := SeverityInfo
			if catalog.IsAIProvider(catalog.BaseDomain(domain)) {
				sev = SeverityCritical
			}
			c.TopDomains = append(c.TopDomains, DomainHit{Domain: domain, Count: count, Severity: sev})
			c.bumpMaxSeverity(sev)
		case f.Kind == "anomaly":
			c.bumpMaxSeverity(SeverityCritical)
		}
	}
	c.DurationPretty = PrettyDuration(durationMinutes)
	return c
}

func (c *SubmissionCard) bumpMaxSeverity(s Severity) {
	if severityRank(s) > severityRank(c.MaxSeverity) {
		c.MaxSeverity = s
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func splitLabelCount(v string) (label string, count int, ok bool) {
	idx := strings.LastIndexByte(v, ':')
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(v[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return v[:idx], n, true
}

// PrettyDuration renders minutes in the cohort duration format:
// "< 60" -> "N min"; "< 1440" -> "H.h hr"; else "D.d days".
func PrettyDuration(minutes int64) string {
	switch {
	case minutes < 60:
		return fmt.Sprintf("%d min", minutes)
	case minutes < 1440:
		return fmt.Sprintf("%.1f hr", float64(minutes)/60)
	default:
		return fmt.Sprintf("%.1f days", float64(minutes)/1440)
	}
}
