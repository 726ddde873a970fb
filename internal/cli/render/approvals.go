package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// ApprovalsRenderer renders direct-change requests
type ApprovalsRenderer struct {
	out io.Writer
	now func() time.Time
}

// NewApprovalsRenderer creates a new approvals renderer
func NewApprovalsRenderer(out io.Writer) *ApprovalsRenderer {
	return &ApprovalsRenderer{out: out, now: time.Now}
}

// RenderPending lists open requests with the time left on each
func (r *ApprovalsRenderer) RenderPending(requests []*models.ApprovalRequest) error {
	if len(requests) == 0 {
		fmt.Fprintln(r.out, "No pending approval requests")
		return nil
	}

	t := newTable(r.out)
	t.AppendHeader(table.Row{"ID", "TITLE", "CHANGES", "USERS", "EXPIRES IN"})
	for _, req := range requests {
		left := req.ExpiresAt.Sub(r.now()).Truncate(time.Second)
		t.AppendRow(table.Row{
			idStyle.Sprint(req.ID),
			req.Title,
			len(req.Changes),
			strings.Join(req.AuthorizedUsers, ","),
			timestampStyle.Sprint(left.String()),
		})
	}
	t.Render()
	return nil
}

// RenderOpened confirms a new request
func (r *ApprovalsRenderer) RenderOpened(req *models.ApprovalRequest) error {
	fmt.Fprintln(r.out, FormatSuccess(fmt.Sprintf("Approval request %s opened, expires %s", req.ID, shortTime(req.ExpiresAt))))
	return nil
}

// RenderChoice reports the outcome of a choice
func (r *ApprovalsRenderer) RenderChoice(res *usecase.ChoiceResult) error {
	if res.HandlerErr != nil {
		fmt.Fprintln(r.out, FormatWarning(res.Message()))
		return nil
	}
	fmt.Fprintln(r.out, FormatSuccess(res.Message()))
	return nil
}
