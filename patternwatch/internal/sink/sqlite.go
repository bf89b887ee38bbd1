package sink

import (
	"context"

	"github.com/hazyhaar/phl/patternwatch/internal/store"
	"github.com/hazyhaar/phl/patternwatch/results"
)

// SQLite appends every report to the run history.
type SQLite struct {
	st    *store.Store
	keep  int
	owned bool
}

// NewSQLite writes to st. When keep > 0, only the newest keep runs of each
// page are retained. The store stays open on Close.
func NewSQLite(st *store.Store, keep int) *SQLite {
	return &SQLite{st: st, keep: keep}
}

// OpenSQLite opens the database at path and owns it.
func OpenSQLite(path string, keep int) (*SQLite, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLite{st: st, keep: keep, owned: true}, nil
}

// Store returns the history the sink writes to.
func (s *SQLite) Store() *store.Store { return s.st }

func (s *SQLite) Send(ctx context.Context, rep results.Report) error {
	if err := s.st.Save(ctx, rep); err != nil {
		return err
	}
	if s.keep > 0 {
		if _, err := s.st.Trim(ctx, s.keep); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.owned {
		return s.st.Close()
	}
	return nil
}
