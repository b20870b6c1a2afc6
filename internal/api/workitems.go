// workitems.go implements the project work item endpoints: tasks, forms, site
// diaries and approvals, with their assignees and comments. Item-level routes
// authorize against the project the item actually belongs to.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/workitems"
)

// WorkItemService is the work item surface used by WorkItemHandlers
type WorkItemService interface {
	CreateTask(ctx context.Context, projectID uuid.UUID, in workitems.TaskInput, actor uuid.UUID) (*models.Task, error)
	GetTask(ctx context.Context, id, actor uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, projectID, actor uuid.UUID) ([]*models.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, patch workitems.TaskPatch, actor uuid.UUID) (*models.Task, error)
	AssignTask(ctx context.Context, taskID, assignee, actor uuid.UUID) error
	UnassignTask(ctx context.Context, taskID, assignee, actor uuid.UUID) error
	ListTaskAssignees(ctx context.Context, taskID, actor uuid.UUID) ([]uuid.UUID, error)
	CommentOnTask(ctx context.Context, taskID uuid.UUID, content string, mentions []uuid.UUID, actor uuid.UUID) (*models.Comment, error)
	ListTaskComments(ctx context.Context, taskID, actor uuid.UUID) ([]*models.Comment, error)

	CreateForm(ctx context.Context, projectID uuid.UUID, in workitems.FormInput, actor uuid.UUID) (*models.Form, error)
	ListForms(ctx context.Context, projectID, actor uuid.UUID) ([]*models.Form, error)
	AssignForm(ctx context.Context, formID, assignee, actor uuid.UUID) error
	UnassignForm(ctx context.Context, formID, assignee, actor uuid.UUID) error

	CreateSiteDiary(ctx context.Context, projectID uuid.UUID, in workitems.SiteDiaryInput, actor uuid.UUID) (*models.SiteDiary, error)
	ListSiteDiaries(ctx context.Context, projectID, actor uuid.UUID) ([]*models.SiteDiary, error)
	AssignSiteDiary(ctx context.Context, diaryID, assignee, actor uuid.UUID) error

	CreateApproval(ctx context.Context, projectID uuid.UUID, in workitems.ApprovalInput, actor uuid.UUID) (*models.Approval, error)
	GetApproval(ctx context.Context, id, actor uuid.UUID) (*models.Approval, error)
	ListApprovals(ctx context.Context, projectID, actor uuid.UUID) ([]*models.Approval, error)
	RespondToApproval(ctx context.Context, id uuid.UUID, in workitems.ApprovalResponseInput, actor uuid.UUID) (*models.Approval, error)
	CommentOnApproval(ctx context.Context, id uuid.UUID, content string, actor uuid.UUID) (*models.Comment, error)
}

// WorkItemHandlers handles the work item endpoints
type WorkItemHandlers struct {
	svc WorkItemService
}

// NewWorkItemHandlers creates work item handlers
func NewWorkItemHandlers(svc WorkItemService) *WorkItemHandlers {
	return &WorkItemHandlers{svc: svc}
}

// projectAndItem parses the :id and :item_id path parameters
func projectAndItem(c *gin.Context) (projectID, itemID uuid.UUID, ok bool) {
	if projectID, ok = pathID(c, "id"); !ok {
		return
	}
	itemID, ok = pathID(c, "item_id")
	return
}

// notInProject is returned when an item exists but under a different project
var notInProject = apperr.New(apperr.NotFound, "item not found in this project")

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask POST /api/v1/projects/:id/tasks
func (h *WorkItemHandlers) CreateTask(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var in workitems.TaskInput
	if !bindJSON(c, &in) {
		return
	}
	task, err := h.svc.CreateTask(c.Request.Context(), projectID, in, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// ListTasks GET /api/v1/projects/:id/tasks
func (h *WorkItemHandlers) ListTasks(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	tasks, err := h.svc.ListTasks(c.Request.Context(), projectID, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetTask GET /api/v1/projects/:id/tasks/:item_id
func (h *WorkItemHandlers) GetTask(c *gin.Context) {
	projectID, taskID, ok := projectAndItem(c)
	if !ok {
		return
	}
	task, err := h.svc.GetTask(c.Request.Context(), taskID, actorID(c))
	if err == nil && task.ProjectID != projectID {
		err = notInProject
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// UpdateTask PATCH /api/v1/projects/:id/tasks/:item_id
func (h *WorkItemHandlers) UpdateTask(c *gin.Context) {
	_, taskID, ok := projectAndItem(c)
	if !ok {
		return
	}
	var patch workitems.TaskPatch
	if !bindJSON(c, &patch) {
		return
	}
	task, err := h.svc.UpdateTask(c.Request.Context(), taskID, patch, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTaskAssignees GET /api/v1/projects/:id/tasks/:item_id/assignees
func (h *WorkItemHandlers) ListTaskAssignees(c *gin.Context) {
	_, taskID, ok := projectAndItem(c)
	if !ok {
		return
	}
	ids, err := h.svc.ListTaskAssignees(c.Request.Context(), taskID, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	c.JSON(http.StatusOK, gin.H{"assignees": ids})
}

type assigneeRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// assign handles POST .../:item_id/assignees for any assignable item
func (h *WorkItemHandlers) assign(fn func(ctx context.Context, itemID, assignee, actor uuid.UUID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, itemID, ok := projectAndItem(c)
		if !ok {
			return
		}
		var req assigneeRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := fn(c.Request.Context(), itemID, req.UserID, actorID(c)); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// unassign handles DELETE .../:item_id/assignees/:user_id
func (h *WorkItemHandlers) unassign(fn func(ctx context.Context, itemID, assignee, actor uuid.UUID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, itemID, ok := projectAndItem(c)
		if !ok {
			return
		}
		userID, ok := pathID(c, "user_id")
		if !ok {
			return
		}
		if err := fn(c.Request.Context(), itemID, userID, actorID(c)); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AssignTask POST /api/v1/projects/:id/tasks/:item_id/assignees
func (h *WorkItemHandlers) AssignTask(c *gin.Context) { h.assign(h.svc.AssignTask)(c) }

// UnassignTask DELETE /api/v1/projects/:id/tasks/:item_id/assignees/:user_id
func (h *WorkItemHandlers) UnassignTask(c *gin.Context) { h.unassign(h.svc.UnassignTask)(c) }

type commentRequest struct {
	Content  string      `json:"content" binding:"required"`
	Mentions []uuid.UUID `json:"mentions"`
}

// CommentOnTask POST /api/v1/projects/:id/tasks/:item_id/comments
func (h *WorkItemHandlers) CommentOnTask(c *gin.Context) {
	_, taskID, ok := projectAndItem(c)
	if !ok {
		return
	}
	var req commentRequest
	if !bindJSON(c, &req) {
		return
	}
	comment, err := h.svc.CommentOnTask(c.Request.Context(), taskID, req.Content, req.Mentions, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// ListTaskComments GET /api/v1/projects/:id/tasks/:item_id/comments
func (h *WorkItemHandlers) ListTaskComments(c *gin.Context) {
	_, taskID, ok := projectAndItem(c)
	if !ok {
		return
	}
	comments, err := h.svc.ListTaskComments(c.Request.Context(), taskID, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if comments == nil {
		comments = []*models.Comment{}
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

// ---------------------------------------------------------------------------
// Forms and site diaries
// ---------------------------------------------------------------------------

// CreateForm POST /api/v1/projects/:id/forms
func (h *WorkItemHandlers) CreateForm(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var in workitems.FormInput
	if !bindJSON(c, &in) {
		return
	}
	form, err := h.svc.CreateForm(c.Request.Context(), projectID, in, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, form)
}

// ListForms GET /api/v1/projects/:id/forms
func (h *WorkItemHandlers) ListForms(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	forms, err := h.svc.ListForms(c.Request.Context(), projectID, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if forms == nil {
		forms = []*models.Form{}
	}
	c.JSON(http.StatusOK, gin.H{"forms": forms})
}

// AssignForm POST /api/v1/projects/:id/forms/:item_id/assignees
func (h *WorkItemHandlers) AssignForm(c *gin.Context) { h.assign(h.svc.AssignForm)(c) }

// UnassignForm DELETE /api/v1/projects/:id/forms/:item_id/assignees/:user_id
func (h *WorkItemHandlers) UnassignForm(c *gin.Context) { h.unassign(h.svc.UnassignForm)(c) }

// CreateSiteDiary POST /api/v1/projects/:id/site-diaries
func (h *WorkItemHandlers) CreateSiteDiary(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var in workitems.SiteDiaryInput
	if !bindJSON(c, &in) {
		return
	}
	diary, err := h.svc.CreateSiteDiary(c.Request.Context(), projectID, in, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, diary)
}

// ListSiteDiaries GET /api/v1/projects/:id/site-diaries
func (h *WorkItemHandlers) ListSiteDiaries(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	diaries, err := h.svc.ListSiteDiaries(c.Request.Context(), projectID, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if diaries == nil {
		diaries = []*models.SiteDiary{}
	}
	c.JSON(http.StatusOK, gin.H{"site_diaries": diaries})
}

// AssignSiteDiary POST /api/v1/projects/:id/site-diaries/:item_id/assignees
func (h *WorkItemHandlers) AssignSiteDiary(c *gin.Context) { h.assign(h.svc.AssignSiteDiary)(c) }

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

// CreateApproval POST /api/v1/projects/:id/approvals
func (h *WorkItemHandlers) CreateApproval(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var in workitems.ApprovalInput
	if !bindJSON(c, &in) {
		return
	}
	approval, err := h.svc.CreateApproval(c.Request.Context(), projectID, in, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, approval)
}

// ListApprovals GET /api/v1/projects/:id/approvals
func (h *WorkItemHandlers) ListApprovals(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	list, err := h.svc.ListApprovals(c.Request.Context(), projectID, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.Approval{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": list})
}

// GetApproval GET /api/v1/projects/:id/approvals/:item_id
func (h *WorkItemHandlers) GetApproval(c *gin.Context) {
	projectID, approvalID, ok := projectAndItem(c)
	if !ok {
		return
	}
	approval, err := h.svc.GetApproval(c.Request.Context(), approvalID, actorID(c))
	if err == nil && approval.ProjectID != projectID {
		err = notInProject
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// RespondToApproval POST /api/v1/projects/:id/approvals/:item_id/responses
func (h *WorkItemHandlers) RespondToApproval(c *gin.Context) {
	_, approvalID, ok := projectAndItem(c)
	if !ok {
		return
	}
	var in workitems.ApprovalResponseInput
	if !bindJSON(c, &in) {
		return
	}
	approval, err := h.svc.RespondToApproval(c.Request.Context(), approvalID, in, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// CommentOnApproval POST /api/v1/projects/:id/approvals/:item_id/comments
func (h *WorkItemHandlers) CommentOnApproval(c *gin.Context) {
	_, approvalID, ok := projectAndItem(c)
	if !ok {
		return
	}
	var req commentRequest
	if !bindJSON(c, &req) {
		return
	}
	comment, err := h.svc.CommentOnApproval(c.Request.Context(), approvalID, req.Content, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}
