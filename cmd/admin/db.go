package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const dbUsage = "usage: admin db [-data ./data] [-estate ID|-db PATH] [-limit N] [-tick T] [-actor A] [-plot P] snapshots|ticks|actions|audits|catalogs"

func dbCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	estateID := fs.String("estate", "", "estate id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite index path (optional)")
	tick := fs.Uint64("tick", 0, "tick filter for actions/audits (optional)")
	actor := fs.String("actor", "", "actor filter for actions/audits (optional)")
	plot := fs.Int("plot", -1, "plot filter for actions/audits (optional)")
	rejected := fs.Bool("rejected", false, "audits: only rejected actions")
	limit := fs.Int("limit", 20, "result limit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*estateID) == "" {
			return usageError{"missing -estate or -db"}
		}
		path = filepath.Join(*dataDir, "estates", *estateID, "index", "estate.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	// Shared WHERE clause for the per-action tables.
	var where []string
	var params []any
	if *tick != 0 {
		where = append(where, "tick=?")
		params = append(params, int64(*tick))
	}
	if a := strings.TrimSpace(*actor); a != "" {
		where = append(where, "actor=?")
		params = append(params, a)
	}
	if *plot >= 0 {
		where = append(where, "plot=?")
		params = append(params, *plot)
	}
	cond := func(extra ...string) string {
		all := append(append([]string(nil), where...), extra...)
		if len(all) == 0 {
			return ""
		}
		return " WHERE " + strings.Join(all, " AND ")
	}

	switch q {
	case "snapshots":
		return queryRows(out, db,
			`SELECT tick,path,currency,population,dimension,owned_plots,structures,footprint FROM snapshots ORDER BY tick DESC LIMIT ?`,
			[]any{*limit},
			func(rows *sql.Rows) (any, error) {
				var r struct {
					Tick       int64  `json:"tick"`
					Path       string `json:"path"`
					Currency   int64  `json:"currency"`
					Population int    `json:"population"`
					Dimension  int    `json:"dimension"`
					OwnedPlots int    `json:"owned_plots"`
					Structures int    `json:"structures"`
					Footprint  int    `json:"footprint"`
				}
				err := rows.Scan(&r.Tick, &r.Path, &r.Currency, &r.Population, &r.Dimension, &r.OwnedPlots, &r.Structures, &r.Footprint)
				return r, err
			})

	case "ticks":
		return queryRows(out, db,
			`SELECT tick,digest,actions FROM ticks ORDER BY tick DESC LIMIT ?`,
			[]any{*limit},
			func(rows *sql.Rows) (any, error) {
				var r struct {
					Tick    int64  `json:"tick"`
					Digest  string `json:"digest"`
					Actions int    `json:"actions"`
				}
				err := rows.Scan(&r.Tick, &r.Digest, &r.Actions)
				return r, err
			})

	case "actions":
		return queryRows(out, db,
			`SELECT tick,seq,actor,type,plot,act_json FROM actions`+cond()+` ORDER BY tick DESC, seq DESC LIMIT ?`,
			append(params, *limit),
			func(rows *sql.Rows) (any, error) {
				var r struct {
					Tick  int64           `json:"tick"`
					Seq   int             `json:"seq"`
					Actor string          `json:"actor"`
					Type  string          `json:"type"`
					Plot  int             `json:"plot"`
					Act   json.RawMessage `json:"act"`
				}
				var act string
				err := rows.Scan(&r.Tick, &r.Seq, &r.Actor, &r.Type, &r.Plot, &act)
				r.Act = json.RawMessage(act)
				return r, err
			})

	case "audits":
		var extra []string
		if *rejected {
			extra = append(extra, "code IS NOT NULL AND code<>''")
		}
		return queryRows(out, db,
			`SELECT tick,seq,actor,action,plot,COALESCE(code,''),COALESCE(reason,''),currency FROM audits`+cond(extra...)+` ORDER BY tick DESC, seq DESC LIMIT ?`,
			append(params, *limit),
			func(rows *sql.Rows) (any, error) {
				var r struct {
					Tick     int64  `json:"tick"`
					Seq      int    `json:"seq"`
					Actor    string `json:"actor"`
					Action   string `json:"action"`
					Plot     int    `json:"plot"`
					Code     string `json:"code,omitempty"`
					Reason   string `json:"reason,omitempty"`
					Currency int64  `json:"currency"`
				}
				err := rows.Scan(&r.Tick, &r.Seq, &r.Actor, &r.Action, &r.Plot, &r.Code, &r.Reason, &r.Currency)
				return r, err
			})

	case "catalogs":
		return queryRows(out, db,
			`SELECT name,digest,updated_at FROM catalogs ORDER BY name`,
			nil,
			func(rows *sql.Rows) (any, error) {
				var r struct {
					Name      string `json:"name"`
					Digest    string `json:"digest"`
					UpdatedAt string `json:"updated_at"`
				}
				err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt)
				return r, err
			})

	default:
		return usageError{"unknown query: " + q + "\n" + dbUsage}
	}
}

func queryRows(out io.Writer, db *sql.DB, query string, args []any, scan func(*sql.Rows) (any, error)) error {
	rows, err := db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		printJSON(out, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}
	return nil
}

func printJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
