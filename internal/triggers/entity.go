package triggers

import (
	"context"
	"fmt"

	"github.com/conpanion/conpanion/internal/db/models"
)

// titleResolver looks up the display title of any entity kind
type titleResolver struct {
	ctx   context.Context
	h     *handlers
	title string
	err   error
}

func (h *handlers) entityTitle(ctx context.Context, ref models.EntityRef) (string, error) {
	r := &titleResolver{ctx: ctx, h: h}
	ref.Accept(r)
	if r.err != nil {
		return "", r.err
	}
	if r.title == "" {
		return "", fmt.Errorf("%s %s not found", ref.Kind(), ref.EntityID())
	}
	return r.title, nil
}

func (r *titleResolver) VisitTask(ref models.TaskRef) {
	t, err := r.h.WorkItems.GetTask(r.ctx, ref.ID)
	if r.err = err; t != nil {
		r.title = t.Title
	}
}

func (r *titleResolver) VisitForm(ref models.FormRef) {
	f, err := r.h.WorkItems.GetForm(r.ctx, ref.ID)
	if r.err = err; f != nil {
		r.title = f.Name
	}
}

func (r *titleResolver) VisitSiteDiary(ref models.SiteDiaryRef) {
	d, err := r.h.WorkItems.GetSiteDiary(r.ctx, ref.ID)
	if r.err = err; d != nil {
		r.title = d.Name
	}
}

func (r *titleResolver) VisitApproval(ref models.ApprovalRef) {
	a, err := r.h.Approvals.Get(r.ctx, ref.ID)
	if r.err = err; a != nil {
		r.title = a.Title
	}
}

func (r *titleResolver) VisitOrganization(ref models.OrganizationRef) {
	r.title, r.err = r.h.Scopes.ScopeName(r.ctx, models.OrganizationScope(ref.ID))
}

func (r *titleResolver) VisitProject(ref models.ProjectRef) {
	r.title, r.err = r.h.Scopes.ScopeName(r.ctx, models.ProjectScope(ref.ID))
}
