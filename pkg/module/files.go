package module

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

// Files authorizes users from a flat CSV file loaded at startup. Each record
// is "user,rcode" followed by any number of "Name=Value" reply attributes:
//
//	alice,ok,Reply-Message=welcome,Session-Timeout=3600
//	bob,reject
//
// Requests without a User-Name attribute, or with an unknown user, resolve
// to notfound.
type Files struct {
	name  string
	users map[string]fileEntry
}

type fileEntry struct {
	rcode domain.Rcode
	reply []domain.Pair
}

// NewFiles loads the user file into memory. The file is not re-read; policy
// reloads rebuild the module.
func NewFiles(name, path string) (*Files, error) {
	if path == "" {
		return nil, fmt.Errorf("files module requires a path")
	}
	//nolint:gosec // Path comes from operator-controlled configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open user file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse user file %s: %w", path, err)
	}

	users := make(map[string]fileEntry, len(records))
	for i, rec := range records {
		if len(rec) == 0 || strings.HasPrefix(rec[0], "#") {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%s: record %d needs at least user and rcode", path, i+1)
		}
		rcode, err := domain.ParseRcode(rec[1])
		if err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", path, i+1, err)
		}
		entry := fileEntry{rcode: rcode}
		for _, field := range rec[2:] {
			name, value, ok := strings.Cut(field, "=")
			if !ok {
				return nil, fmt.Errorf("%s: record %d: reply attribute %q is not Name=Value", path, i+1, field)
			}
			entry.reply = append(entry.reply, domain.Pair{Name: name, Value: value})
		}
		users[rec[0]] = entry
	}

	return &Files{name: name, users: users}, nil
}

func (m *Files) Name() string   { return m.name }
func (m *Files) NewThread() any { return nil }

func (m *Files) Process(_ context.Context, inv *interp.Invocation) domain.Rcode {
	user, ok := inv.Req.Attr("User-Name")
	if !ok {
		return domain.RcodeNotfound
	}
	entry, ok := m.users[user]
	if !ok {
		return domain.RcodeNotfound
	}
	for _, p := range entry.reply {
		inv.Req.Reply.Set(p.Name, p.Value)
	}
	return entry.rcode
}

var _ interp.ModuleProc = (*Files)(nil)
