package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/ossforge/opforge/internal/opgraph"
)

// bannerWidth is the fixed column target banners pad toward; a title that
// doesn't fit just shrinks the filler to zero rather than wrapping.
const bannerWidth = 79

func renderBanner(title string) string {
	return centerPad(fmt.Sprintf(" %s ", title), '=')
}

func renderSubBanner(name string, d time.Duration) string {
	label := fmt.Sprintf(" %s ", name)
	if d > 0 {
		label = fmt.Sprintf(" %s (%s) ", name, d.Round(time.Millisecond))
	}
	return centerPad(label, '-')
}

func centerPad(label string, fill byte) string {
	total := bannerWidth - len(label)
	if total < 0 {
		total = 0
	}
	left := total / 2
	right := total - left
	return strings.Repeat(string(fill), left) + label + strings.Repeat(string(fill), right)
}

// summaryGroup is one of the status buckets rendered by RenderFinalSummary,
// in a fixed display order.
type summaryGroup struct {
	title    string
	status   opgraph.Status
	detailed bool
}

var summaryGroups = []summaryGroup{
	{"Skipped", opgraph.StatusSkipped, false},
	{"From cache", opgraph.StatusFromCache, false},
	{"Success", opgraph.StatusSuccess, false},
	{"Success with warning", opgraph.StatusSuccessWithWarning, true},
	{"Blocked", opgraph.StatusBlocked, false},
	{"Failure", opgraph.StatusFailure, true},
}

// RenderFinalSummary renders one section for each of Skipped, From cache,
// Success, Success with warning, Blocked and Failure, in that order, with the
// Success-with-warning and Failure sections detailed (sub-banner plus
// captured output summary). NoOp and Cancelled operations, and operations
// whose runner is silent, are not listed.
func RenderFinalSummary(ordered []*opgraph.Operation, records map[*opgraph.Operation]*opgraph.ExecutionRecord, result *ExecutionResult) string {
	var b strings.Builder

	b.WriteString(renderBanner(fmt.Sprintf("run %s", result.Status)))
	b.WriteString("\n")

	for _, group := range summaryGroups {
		var members []*opgraph.Operation
		for _, op := range ordered {
			if op.Runner != nil && op.Runner.Silent() {
				continue
			}
			if rec := records[op]; rec != nil && rec.Status == group.status {
				members = append(members, op)
			}
		}
		if len(members) == 0 {
			continue
		}

		fmt.Fprintf(&b, "%s (%d):\n", group.title, len(members))
		for _, op := range members {
			rec := records[op]
			if !group.detailed {
				fmt.Fprintf(&b, "  %s\n", op.String())
				continue
			}

			b.WriteString(renderSubBanner(op.String(), rec.Duration()))
			b.WriteString("\n")
			if rec.Err != nil {
				if _, already := rec.Err.(*opgraph.AlreadyReportedError); !already {
					fmt.Fprintf(&b, "error: %s\n", rec.Err.Error())
				}
			}
			if out := rec.Output().Summary(20); out != "" {
				b.WriteString(out)
				b.WriteString("\n")
			}
		}
	}

	return b.String()
}
