package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"cell_analysis/pkg/config"
	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/models"
)

// Logical column keys. The request's columns map rebinds these to physical
// column names; everything else about the query is fixed.
const (
	ColTime      = "time"
	ColPEGName   = "peg_name"
	ColValue     = "value"
	ColNE        = "ne"
	ColCellID    = "cellid"
	ColHost      = "host"
	ColIndexName = "index_name"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DefaultColumns is the logical-to-physical mapping used when the request
// does not override it.
func DefaultColumns() map[string]string {
	return map[string]string{
		ColTime:      "datetime",
		ColPEGName:   "peg_name",
		ColValue:     "value",
		ColNE:        "ne_key",
		ColCellID:    "cell_id",
		ColHost:      "host_name",
		ColIndexName: "index_name",
	}
}

// ResolveColumns merges request overrides over the defaults and whitelists
// every physical identifier. Identifiers never reach the query unchecked;
// values travel only through parameter placeholders.
func ResolveColumns(overrides map[string]string) (map[string]string, error) {
	cols := DefaultColumns()
	for logical, physical := range overrides {
		if _, known := cols[logical]; !known {
			return nil, errs.Newf(errs.KindRequestInvalid, "unknown logical column %q", logical).
				WithField("columns")
		}
		cols[logical] = physical
	}
	for logical, physical := range cols {
		if !identPattern.MatchString(physical) {
			return nil, errs.Newf(errs.KindRequestInvalid, "column %q maps to illegal identifier %q", logical, physical).
				WithField("columns")
		}
	}
	return cols, nil
}

// PEGStore fetches raw samples for one time window.
type PEGStore interface {
	Fetch(ctx context.Context, window models.TimeWindow, f models.Filter, columns map[string]string) ([]models.RawSample, error)
}

// Repo is the pgx-backed PEGStore.
type Repo struct {
	pool  *pgxpool.Pool
	table string
	cfg   config.StoreSettings
}

// NewRepo wraps a pool for the given (already whitelisted) table.
func NewRepo(pool *pgxpool.Pool, table string, cfg config.StoreSettings) (*Repo, error) {
	if !identPattern.MatchString(table) {
		return nil, errs.Newf(errs.KindRequestInvalid, "illegal table identifier %q", table).
			WithField("table")
	}
	return &Repo{pool: pool, table: table, cfg: cfg}, nil
}

// BuildQuery assembles the parameterized fetch statement. Predicate order is
// fixed for index alignment: time range, ne, cellid, peg_name, host. Empty
// lists are omitted, never evaluated to false.
func BuildQuery(table string, columns map[string]string, window models.TimeWindow, f models.Filter, limit int) (string, []interface{}) {
	sel := []string{
		columns[ColTime], columns[ColPEGName], columns[ColValue],
		columns[ColNE], columns[ColHost], columns[ColIndexName], columns[ColCellID],
	}

	args := []interface{}{window.Start, window.End}
	conds := []string{
		fmt.Sprintf("%s >= $1 AND %s <= $2", columns[ColTime], columns[ColTime]),
	}
	if f.NE != "" {
		args = append(args, f.NE)
		conds = append(conds, fmt.Sprintf("%s = $%d", columns[ColNE], len(args)))
	}
	if len(f.CellIDs) > 0 {
		args = append(args, f.CellIDs)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d)", columns[ColCellID], len(args)))
	}
	if len(f.PEGNames) > 0 {
		args = append(args, f.PEGNames)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d)", columns[ColPEGName], len(args)))
	}
	if f.Host != "" {
		args = append(args, f.Host)
		conds = append(conds, fmt.Sprintf("%s = $%d", columns[ColHost], len(args)))
	}

	// LIMIT cap+1 so an over-large result is detectable instead of silently
	// truncated.
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s ASC LIMIT %d",
		strings.Join(sel, ", "), table, strings.Join(conds, " AND "), columns[ColTime], limit+1)
	return query, args
}

// Fetch runs the window query and decodes rows into RawSamples. Transient
// connection acquisition errors are retried with a short fixed delay.
func (r *Repo) Fetch(ctx context.Context, window models.TimeWindow, f models.Filter, columns map[string]string) ([]models.RawSample, error) {
	cols, err := ResolveColumns(columns)
	if err != nil {
		return nil, err
	}

	conn, err := r.acquire(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailure, "connection acquisition failed", err)
	}
	defer conn.Release()

	query, args := BuildQuery(r.table, cols, window, f, r.cfg.MaxRows)
	log.Debug().Str("table", r.table).Time("start", window.Start).Time("end", window.End).
		Msg("fetching raw PEG samples")

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFailure, "query execution failed", err)
	}
	defer rows.Close()

	samples, err := scanSamples(rows, r.cfg.MaxRows)
	if err != nil {
		return nil, err
	}

	log.Info().Int("rows", len(samples)).Str("table", r.table).Msg("raw PEG samples fetched")
	return samples, nil
}

func (r *Repo) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.RetryDelay):
			}
			log.Warn().Int("attempt", attempt).Err(lastErr).Msg("retrying connection acquisition")
		}
		conn, err := r.pool.Acquire(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func scanSamples(rows pgx.Rows, maxRows int) ([]models.RawSample, error) {
	var samples []models.RawSample
	for rows.Next() {
		if len(samples) >= maxRows {
			return nil, errs.Newf(errs.KindStoreResultTooLarge, "result exceeds %d rows", maxRows).
				WithHint("tighten the time window or filters")
		}
		var (
			s          models.RawSample
			ne, host   *string
			idx, cell  *string
		)
		if err := rows.Scan(&s.Timestamp, &s.PEGName, &s.Value, &ne, &host, &idx, &cell); err != nil {
			return nil, errs.Wrap(errs.KindStoreFailure, "row decoding failed", err)
		}
		if ne != nil {
			s.NEKey = *ne
		}
		if host != nil {
			s.HostName = *host
		}
		if idx != nil {
			s.IndexName = *idx
		}
		if cell != nil {
			s.CellID = *cell
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStoreFailure, "row iteration failed", err)
	}
	return samples, nil
}
