package schema

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/zeebo/blake3"

	"datacore/internal/shared"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int64
	Description string
	Statements  []string
}

// Checksum is the hex BLAKE3-256 digest of the statement set. Surrounding
// whitespace of each statement does not affect it.
func (m Migration) Checksum() string {
	h := blake3.New()
	for _, s := range m.Statements {
		_, _ = h.Write([]byte(strings.TrimSpace(s)))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// validateSequence checks that versions are positive and strictly
// increasing and that every migration has at least one statement.
func validateSequence(ms []Migration) error {
	var prev int64
	for i, m := range ms {
		if m.Version <= 0 {
			return shared.InvariantF(false, "migration #%d: version must be positive, got %d", i, m.Version)
		}
		if m.Version <= prev {
			return shared.InvariantF(false, "migration versions must be strictly increasing: %d after %d", m.Version, prev)
		}
		if len(m.Statements) == 0 {
			return shared.InvariantF(false, "migration %d has no statements", m.Version)
		}
		for _, s := range m.Statements {
			if strings.TrimSpace(s) == "" {
				return shared.InvariantF(false, "migration %d contains an empty statement", m.Version)
			}
		}
		prev = m.Version
	}
	return nil
}

// LoadFS reads migrations from dir in fsys. Files follow the
// {version}_{title}.up.sql convention; down files are ignored. Statements
// are separated by a semicolon at the end of a line.
func LoadFS(fsys fs.FS, dir string) ([]Migration, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("open migrations %s: %w", dir, err)
	}
	defer src.Close()

	var out []Migration
	v, err := src.First()
	for err == nil {
		m, rerr := readUp(src, v)
		if rerr != nil {
			return nil, rerr
		}
		if m != nil {
			out = append(out, *m)
		}
		v, err = src.Next(v)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list migrations %s: %w", dir, err)
	}
	return out, nil
}

type upReader interface {
	ReadUp(version uint) (io.ReadCloser, string, error)
}

func readUp(src upReader, v uint) (*Migration, error) {
	r, ident, err := src.ReadUp(v)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration %d: %w", v, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read migration %d: %w", v, err)
	}
	stmts := SplitStatements(string(body))
	if len(stmts) == 0 {
		return nil, shared.InvariantF(false, "migration %d (%s) is empty", v, ident)
	}
	return &Migration{
		Version:     int64(v),
		Description: strings.ReplaceAll(ident, "_", " "),
		Statements:  stmts,
	}, nil
}

// SplitStatements splits a SQL script on semicolons that end a line.
// Lines starting with -- are dropped.
func SplitStatements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for line := range strings.Lines(script) {
		line = strings.TrimRight(line, "\r\n")
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return out
}
