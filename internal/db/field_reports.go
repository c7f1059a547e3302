package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidStatus is returned for an unknown moderation status.
var ErrInvalidStatus = errors.New("invalid field report status")

// InsertFieldReport stores a report; new reports always start pending.
func (c *Client) InsertFieldReport(ctx context.Context, r *FieldReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ReportPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	q := c.db.Rebind(`INSERT INTO field_reports (id, product_name, agreement_rating, verdict, comment, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := c.db.ExecContext(ctx, q,
		r.ID, r.ProductName, r.AgreementRating, r.Verdict, r.Comment, r.Status, r.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert field report: %w", err)
	}
	return nil
}

// ApprovedFieldReports returns approved reports whose product name contains
// name case-insensitively, newest first.
func (c *Client) ApprovedFieldReports(ctx context.Context, name string, limit int) ([]FieldReport, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(name))) + "%"
	var reports []FieldReport
	q := c.db.Rebind(`SELECT id, product_name, agreement_rating, verdict, comment, status, created_at
		FROM field_reports
		WHERE LOWER(product_name) LIKE ? ESCAPE '\' AND status = ?
		ORDER BY created_at DESC
		LIMIT ?`)
	if err := c.db.SelectContext(ctx, &reports, q, pattern, ReportApproved, limit); err != nil {
		return nil, fmt.Errorf("field reports: %w", err)
	}
	return reports, nil
}

// SetFieldReportStatus moves a report through moderation.
func (c *Client) SetFieldReportStatus(ctx context.Context, id uuid.UUID, status string) error {
	switch status {
	case ReportPending, ReportApproved, ReportRejected:
	default:
		return fmt.Errorf("%w %q", ErrInvalidStatus, status)
	}
	res, err := c.db.ExecContext(ctx, c.db.Rebind(`UPDATE field_reports SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("update field report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
