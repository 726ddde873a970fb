package render

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/trebuchet-org/evolve/internal/domain/models"
)

var (
	sectionHeaderStyle = color.New(color.Bold, color.FgHiWhite)
	timestampStyle     = color.New(color.Faint)
	labelStyle         = color.New(color.FgCyan)
	idStyle            = color.New(color.FgWhite, color.Bold)
)

// FormatWarning formats a warning message with the warning icon
func FormatWarning(message string) string {
	return color.New(color.FgYellow).Sprintf("⚠️  %s", message)
}

// FormatError formats an error message with the error icon
func FormatError(message string) string {
	if len(message) > 0 {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	return color.New(color.FgRed).Sprintf("❌ %s", message)
}

// FormatSuccess formats a success message with the success icon
func FormatSuccess(message string) string {
	return color.New(color.FgGreen).Sprintf("✅ %s", message)
}

// JSON writes v as indented JSON
func JSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusStyle(s models.ProposalStatus) *color.Color {
	switch s {
	case models.StatusDeployed:
		return color.New(color.FgGreen)
	case models.StatusApproved:
		return color.New(color.FgHiGreen)
	case models.StatusImplemented:
		return color.New(color.FgCyan)
	case models.StatusRejected, models.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func riskStyle(r models.RiskLevel) *color.Color {
	switch r {
	case models.RiskLow:
		return color.New(color.FgGreen)
	case models.RiskMedium:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

// newTable returns a borderless table in the style of the list views
func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.Style().Options.DrawBorder = false
	t.Style().Options.SeparateColumns = false
	t.Style().Options.SeparateRows = false
	t.Style().Options.SeparateHeader = false
	t.Style().Box.PaddingRight = "   "
	t.Style().Format.Header = 0
	return t
}

func shortTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}
