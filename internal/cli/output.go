package cli

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/refsmith/downloader/internal/parser"
	"github.com/refsmith/downloader/internal/queue"
)

const fallbackWidth = 80

// terminalWidth honors COLUMNS, falling back to 80 for unset or absurd
// values (< 20).
func terminalWidth() int {
	if columns := os.Getenv("COLUMNS"); columns != "" {
		if width, err := strconv.Atoi(columns); err == nil {
			if width < 20 {
				return fallbackWidth
			}
			return width
		}
	}
	return fallbackWidth
}

// colorEnabled respects NO_COLOR and TERM=dumb, and requires a TTY.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// spinnersEnabled disables progress spinners on dumb terminals and pipes.
func spinnersEnabled() bool {
	return os.Getenv("TERM") != "dumb" && isatty.IsTerminal(os.Stderr.Fd())
}

func configureColor() {
	color.NoColor = !colorEnabled()
}

func truncateToWidth(s string, width int) string {
	if width <= 3 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

// logParseFeedback prints a one-line summary of the parse phase.
func logParseFeedback(result *parser.ParseResult) {
	counts := result.TypeCounts()
	fmt.Printf("Parsed %d items (%d URLs, %d DOIs, %d references, %d BibTeX); %d skipped\n",
		result.Len(), counts.URLs, counts.DOIs, counts.References, counts.BibTex, len(result.Skipped))
}

// renderHistoryRow formats one history row for the log command.
func renderHistoryRow(attempt *queue.Attempt, showError bool, width int) string {
	status := attempt.Status
	if colorEnabled() {
		switch attempt.Status {
		case "success":
			status = color.GreenString(attempt.Status)
		case "failed":
			status = color.RedString(attempt.Status)
		default:
			status = color.YellowString(attempt.Status)
		}
	}

	label := attempt.URL
	if attempt.Title != nil && *attempt.Title != "" {
		label = *attempt.Title
	}

	line := fmt.Sprintf("%s  %-7s  %s", attempt.StartedAt, status, label)
	if showError && attempt.ErrorMessage != nil {
		firstLine := strings.SplitN(*attempt.ErrorMessage, "\n", 2)[0]
		line += "  (" + firstLine + ")"
	}
	return truncateToWidth(line, width)
}

// summarizeFailures groups terminal failures by category and reports
// affected domains for auth failures.
func summarizeFailures(attempts []queue.Attempt) string {
	counts := map[string]int{}
	authDomains := map[string]bool{}

	for _, attempt := range attempts {
		if attempt.Status != "failed" || attempt.ErrorType == nil {
			continue
		}
		counts[*attempt.ErrorType]++
		if *attempt.ErrorType == "auth" {
			if parsed, err := url.Parse(attempt.URL); err == nil && parsed.Hostname() != "" {
				authDomains[strings.ToLower(parsed.Hostname())] = true
			}
		}
	}

	if len(counts) == 0 {
		return ""
	}

	var parts []string
	for _, category := range []string{"network", "auth", "not_found", "parse_error"} {
		if n := counts[category]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", category, n))
		}
	}
	summary := "Failures by category: " + strings.Join(parts, ", ")

	if len(authDomains) > 0 {
		var domains []string
		for domain := range authDomains {
			domains = append(domains, domain)
		}
		summary += "\nAuth failures on: " + strings.Join(domains, ", ")
	}
	return summary
}
