package toolcall

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/mnemo/internal/consent"
	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolerr"
)

const pendingListLimit = 50

type reviewArgs struct {
	Action     string `json:"action"`
	MetaID     string `json:"metaId"`
	Resolution string `json:"resolution"`
}

type metaView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	MemoryID   string `json:"memoryId"`
	RelatedID  string `json:"relatedId,omitempty"`
	Detail     string `json:"detail"`
	CreatedAt  string `json:"createdAt"`
	Resolution string `json:"resolution,omitempty"`
}

// handleReview lists or resolves pending review items. Review operates on
// memories, so it is gated by the vectors domain: list under vectors:read,
// resolve under vectors:write.
func (r *Router) handleReview(ctx context.Context, raw json.RawMessage) (Success, error) {
	var a reviewArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "decode review arguments")
	}
	switch a.Action {
	case "list":
		return r.reviewList(ctx)
	case "resolve":
		return r.reviewResolve(ctx, a)
	default:
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "review action must be list or resolve")
	}
}

func (r *Router) reviewList(ctx context.Context) (Success, error) {
	if err := r.authorizeRead(ctx, "vectors"); err != nil {
		return Success{}, err
	}
	id, _ := shared.IdentityFrom(ctx)
	pending, err := r.store.PendingMeta(ctx, id.TenantID, pendingListLimit)
	if err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "list pending reviews")
	}
	views := make([]metaView, 0, len(pending))
	for _, m := range pending {
		views = append(views, metaView{
			ID:        m.ID,
			Kind:      m.Kind,
			MemoryID:  m.MemoryID,
			RelatedID: m.RelatedID,
			Detail:    m.Detail,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return Success{Data: map[string]any{"pending": views}}, nil
}

// reviewResolve settles one item. The status flip is a compare-and-set on
// pending, so concurrent resolutions have exactly one winner; the loser
// sees the item as already resolved.
func (r *Router) reviewResolve(ctx context.Context, a reviewArgs) (Success, error) {
	if a.MetaID == "" || a.Resolution == "" {
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "resolve requires metaId and resolution")
	}
	switch a.Resolution {
	case storage.ResolutionConfirm, storage.ResolutionReject, storage.ResolutionKeepBoth:
	default:
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "resolution must be confirm, reject, or keep_both")
	}
	if err := r.authorizeWrite(ctx, "vectors"); err != nil {
		return Success{}, err
	}
	id, _ := shared.IdentityFrom(ctx)

	meta, found, err := r.store.GetMeta(ctx, id.TenantID, a.MetaID)
	if err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "load review item")
	}
	if !found {
		return Success{}, toolerr.E(toolerr.CodeNotFound, "no review item %s", a.MetaID)
	}
	if meta.Status != storage.MetaStatusPending {
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "review item %s is already resolved", a.MetaID)
	}

	won, err := r.store.ResolveMeta(ctx, id.TenantID, a.MetaID, a.Resolution)
	if err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "resolve review item")
	}
	if !won {
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "review item %s is already resolved", a.MetaID)
	}

	// Confirming the contradiction retires the older memory; rejecting it
	// retires the newer one. keep_both leaves both in place.
	var deleted string
	switch a.Resolution {
	case storage.ResolutionConfirm:
		deleted = meta.RelatedID
	case storage.ResolutionReject:
		deleted = meta.MemoryID
	}
	var warnings []string
	if deleted != "" {
		if w := r.retireMemory(ctx, id.TenantID, deleted); w != "" {
			warnings = append(warnings, w)
		}
	}

	doc := map[string]any{"id": a.MetaID, "resolution": a.Resolution}
	if deleted != "" {
		doc["deleted"] = deleted
	}
	return Success{Data: doc, Warnings: warnings}, nil
}

// retireMemory soft-deletes one memory and drops it from the index. The
// resolution already happened; failures here only warn.
func (r *Router) retireMemory(ctx context.Context, tenantID, memoryID string) string {
	mem, found, err := r.store.GetMemory(ctx, tenantID, memoryID)
	if err != nil || !found {
		return "memory " + memoryID + " was already gone"
	}
	ok, err := r.store.SoftDeleteMemory(ctx, tenantID, memoryID)
	if err != nil {
		r.logger.Warn("review delete failed", "memory_id", memoryID, "error", err)
		return "memory " + memoryID + " could not be deleted"
	}
	if !ok {
		return "memory " + memoryID + " was already gone"
	}
	if err := r.index.Delete(ctx, tenantID, mem.Collection, memoryID); err != nil {
		r.logger.Warn("review index delete failed", "memory_id", memoryID, "error", err)
	}
	return ""
}

func (r *Router) authorizeWrite(ctx context.Context, resource string) error {
	d, err := r.consent.Authorize(ctx, resource, consent.PermissionWrite)
	if err != nil {
		return toolerr.Wrap(toolerr.CodeInternal, err, "authorization check failed")
	}
	if !d.Allowed {
		return toolerr.E(toolerr.CodeConsentDenied, "write to %q denied: %s", resource, d.Reason)
	}
	return nil
}
