package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/pkg/logger"
)

// RequestRepo implements request.Repository on PostgreSQL. Every status
// writer is a single conditional UPDATE so concurrent transitions resolve to
// exactly one winner; losers see request.ErrConflict.
type RequestRepo struct {
	db DBInterface
}

func NewRequestRepo(db DBInterface) *RequestRepo {
	return &RequestRepo{db: db}
}

func (r *RequestRepo) CreateRequest(
	ctx context.Context,
	req *request.SigningRequest,
	signers []*request.Signer,
) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.FromContext(ctx).Error("Failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	sql, args, err := squirrel.Insert("signing_requests").
		Columns("id", "title", "document_ref", "status", "document_status",
			"signing_order", "require_all_signers", "require_totp",
			"initiator_email", "expires_at", "created_at", "updated_at").
		Values(req.ID, req.Title, req.DocumentRef, req.Status, req.DocumentStatus,
			req.SigningOrder, req.RequireAllSigners, req.RequireTOTP,
			req.InitiatorEmail, req.ExpiresAt, req.CreatedAt, req.UpdatedAt).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building request insert: %w", err)
	}
	if _, err = tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}

	for _, signer := range signers {
		sql, args, err = squirrel.Insert("signers").
			Columns("request_id", "email", "name", "position", "status").
			Values(signer.RequestID, signer.Email, signer.Name, signer.Position, signer.Status).
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if err != nil {
			return fmt.Errorf("building signer insert: %w", err)
		}
		if _, err = tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting signer %q: %w", signer.Email, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing request: %w", err)
	}
	return nil
}

func (r *RequestRepo) GetRequest(ctx context.Context, id core.ID) (*request.SigningRequest, error) {
	sql, args, err := squirrel.Select("*").
		From("signing_requests").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var req request.SigningRequest
	if err := pgxscan.Get(ctx, r.db, &req, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, request.ErrRequestNotFound
		}
		return nil, fmt.Errorf("scanning request: %w", err)
	}
	return &req, nil
}

func (r *RequestRepo) ListSigners(ctx context.Context, id core.ID) ([]*request.Signer, error) {
	sql, args, err := squirrel.Select("*").
		From("signers").
		Where(squirrel.Eq{"request_id": id}).
		OrderBy("position ASC", "email ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*signerDB
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning signers: %w", err)
	}
	signers := make([]*request.Signer, 0, len(rows))
	for _, row := range rows {
		signer, err := row.toSigner()
		if err != nil {
			return nil, fmt.Errorf("converting signer %q: %w", row.Email, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func (r *RequestRepo) GetSigner(ctx context.Context, id core.ID, email string) (*request.Signer, error) {
	sql, args, err := squirrel.Select("*").
		From("signers").
		Where(squirrel.Eq{"request_id": id, "email": email}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var row signerDB
	if err := pgxscan.Get(ctx, r.db, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, request.ErrSignerNotFound
		}
		return nil, fmt.Errorf("scanning signer: %w", err)
	}
	return row.toSigner()
}

func (r *RequestRepo) SaveSigner(ctx context.Context, signer *request.Signer) error {
	data, err := toJSONB(signer.SignatureData)
	if err != nil {
		return fmt.Errorf("marshaling signature data: %w", err)
	}
	sql, args, err := squirrel.Update("signers").
		Set("name", signer.Name).
		Set("position", signer.Position).
		Set("status", signer.Status).
		Set("viewed_at", signer.ViewedAt).
		Set("signed_at", signer.SignedAt).
		Set("declined_at", signer.DeclinedAt).
		Set("decline_reason", signer.DeclineReason).
		Set("signature_data", data).
		Set("profile_region", signer.ProfileRegion).
		Set("last_reset_by", signer.LastResetBy).
		Where(squirrel.Eq{"request_id": signer.RequestID, "email": signer.Email}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building signer update: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating signer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return request.ErrSignerNotFound
	}
	return nil
}

func (r *RequestRepo) UpdateRequestStatus(
	ctx context.Context,
	id core.ID,
	to request.Status,
	allowedFrom ...request.Status,
) error {
	ub := squirrel.Update("signing_requests").
		Set("status", to).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)
	if len(allowedFrom) > 0 {
		ub = ub.Where(squirrel.Eq{"status": allowedFrom})
	}
	sql, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("building status update: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *RequestRepo) SetDeclined(ctx context.Context, id core.ID, declinedBy, reason string) error {
	sql, args, err := squirrel.Update("signing_requests").
		Set("status", request.StatusDeclined).
		Set("declined_by", declinedBy).
		Set("decline_reason", reason).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"status": []request.Status{
			request.StatusInitiated, request.StatusInProgress, request.StatusRenderFailed,
		}}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building decline update: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("declining request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *RequestRepo) SetExpiry(ctx context.Context, id core.ID, expiresAt time.Time) error {
	sql, args, err := squirrel.Update("signing_requests").
		Set("expires_at", expiresAt).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building expiry update: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return request.ErrRequestNotFound
	}
	return nil
}

// ClaimRender flips document_status into generating_pdf with one conditional
// UPDATE. Exactly one concurrent caller observes true.
func (r *RequestRepo) ClaimRender(ctx context.Context, id core.ID) (bool, error) {
	sql, args, err := squirrel.Update("signing_requests").
		Set("document_status", request.DocumentStatusGenerating).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"document_status": []request.DocumentStatus{
			request.DocumentStatusNone, request.DocumentStatusFailed,
		}}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building render claim: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("claiming render: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimRender moves ready back to generating_pdf so a finished document can
// be regenerated. The status condition keeps expired and cancelled requests out.
func (r *RequestRepo) ReclaimRender(ctx context.Context, id core.ID) (bool, error) {
	sql, args, err := squirrel.Update("signing_requests").
		Set("document_status", request.DocumentStatusGenerating).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"status": request.StatusCompleted}).
		Where(squirrel.Eq{"document_status": request.DocumentStatusReady}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building render reclaim: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("reclaiming render: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RequestRepo) CompleteRender(ctx context.Context, id core.ID, finalRef string) error {
	sql, args, err := squirrel.Update("signing_requests").
		Set("status", request.StatusCompleted).
		Set("document_status", request.DocumentStatusReady).
		Set("final_document_ref", finalRef).
		Set("render_error", nil).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"document_status": request.DocumentStatusGenerating}).
		Where(squirrel.Eq{"status": []request.Status{
			request.StatusInitiated, request.StatusInProgress,
			request.StatusCompleted, request.StatusRenderFailed,
		}}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building render completion: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("completing render: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *RequestRepo) FailRender(ctx context.Context, id core.ID, message string) error {
	sql, args, err := squirrel.Update("signing_requests").
		Set("status", request.StatusRenderFailed).
		Set("document_status", request.DocumentStatusFailed).
		Set("render_error", message).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"document_status": request.DocumentStatusGenerating}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building render failure: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("recording render failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *RequestRepo) ListExpired(ctx context.Context, asOf time.Time) ([]*request.SigningRequest, error) {
	sql, args, err := squirrel.Select("*").
		From("signing_requests").
		Where(squirrel.Eq{"status": []request.Status{
			request.StatusInitiated, request.StatusInProgress,
		}}).
		Where(squirrel.NotEq{"expires_at": nil}).
		Where(squirrel.LtOrEq{"expires_at": asOf}).
		OrderBy("expires_at ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var reqs []*request.SigningRequest
	if err := pgxscan.Select(ctx, r.db, &reqs, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning expired requests: %w", err)
	}
	return reqs, nil
}

func (r *RequestRepo) ListExpiringBetween(
	ctx context.Context,
	from, to time.Time,
) ([]*request.SigningRequest, error) {
	sql, args, err := squirrel.Select("*").
		From("signing_requests").
		Where(squirrel.Eq{"status": []request.Status{
			request.StatusInitiated, request.StatusInProgress,
		}}).
		Where(squirrel.GtOrEq{"expires_at": from}).
		Where(squirrel.Lt{"expires_at": to}).
		OrderBy("expires_at ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var reqs []*request.SigningRequest
	if err := pgxscan.Select(ctx, r.db, &reqs, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning expiring requests: %w", err)
	}
	return reqs, nil
}

// missOrConflict tells a vanished row apart from a lost condition race.
func (r *RequestRepo) missOrConflict(ctx context.Context, id core.ID) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM signing_requests WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("probing request existence: %w", err)
	}
	if !exists {
		return request.ErrRequestNotFound
	}
	return request.ErrConflict
}

// -----------------------------------------------------------------------------
// Row conversion
// -----------------------------------------------------------------------------

type signerDB struct {
	RequestID     string     `db:"request_id"`
	Email         string     `db:"email"`
	Name          string     `db:"name"`
	Position      int        `db:"position"`
	Status        string     `db:"status"`
	ViewedAt      *time.Time `db:"viewed_at"`
	SignedAt      *time.Time `db:"signed_at"`
	DeclinedAt    *time.Time `db:"declined_at"`
	DeclineReason *string    `db:"decline_reason"`
	SignatureData []byte     `db:"signature_data"`
	ProfileRegion *string    `db:"profile_region"`
	LastResetBy   *string    `db:"last_reset_by"`
}

func (row *signerDB) toSigner() (*request.Signer, error) {
	signer := &request.Signer{
		RequestID:     core.ID(row.RequestID),
		Email:         row.Email,
		Name:          row.Name,
		Position:      row.Position,
		Status:        request.SignerStatus(row.Status),
		ViewedAt:      row.ViewedAt,
		SignedAt:      row.SignedAt,
		DeclinedAt:    row.DeclinedAt,
		DeclineReason: row.DeclineReason,
		ProfileRegion: row.ProfileRegion,
		LastResetBy:   row.LastResetBy,
	}
	if len(row.SignatureData) > 0 {
		var data request.SignatureData
		if err := json.Unmarshal(row.SignatureData, &data); err != nil {
			return nil, fmt.Errorf("unmarshaling signature data: %w", err)
		}
		signer.SignatureData = &data
	}
	return signer, nil
}

// toJSONB marshals a value for a jsonb column, keeping nil as SQL NULL.
func toJSONB(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch data := v.(type) {
	case *request.SignatureData:
		if data == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
