package records

import (
	"time"

	"github.com/anchal00/nextup/internal/kv"
)

// SchemaVersion is written into every persisted record.
const SchemaVersion = 1

type Kind string

const (
	KindList       Kind = "list"
	KindTournament Kind = "tournament"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindList, KindTournament:
		return Kind(s), nil
	}
	return "", invalid("kind", "unknown kind %q", s)
}

func (k Kind) namespace() kv.Namespace {
	if k == KindTournament {
		return kv.TournamentNamespace
	}
	return kv.ListNamespace
}

func (k Kind) codeLength() int {
	if k == KindTournament {
		return 5
	}
	return 4
}

// Record is a tagged variant: exactly one of List and Tournament is set and it
// matches Kind.
type Record struct {
	Schema     int         `json:"schema"`
	Kind       Kind        `json:"kind"`
	ID         string      `json:"id"`
	Code       string      `json:"code"`
	Version    int64       `json:"version"`
	HostID     string      `json:"hostId"`
	Name       string      `json:"name,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	List       *ListGame   `json:"list,omitempty"`
	Tournament *Tournament `json:"tournament,omitempty"`
}

// Members returns every participant referenced by the record, host excluded.
func (r *Record) Members() []string {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case KindList:
		if r.List != nil {
			return r.List.Members()
		}
	case KindTournament:
		if r.Tournament != nil {
			return r.Tournament.Members()
		}
	}
	return nil
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.List != nil {
		c.List = r.List.Clone()
	}
	if r.Tournament != nil {
		c.Tournament = r.Tournament.Clone()
	}
	return &c
}

// normalize fills empty collections and applies the structural rules that
// every write goes through (auto-seating for lists).
func (r *Record) normalize() {
	if r.Schema == 0 {
		r.Schema = SchemaVersion
	}
	switch r.Kind {
	case KindList:
		if r.List == nil {
			r.List = &ListGame{}
		}
		r.Tournament = nil
		r.List.normalize()
	case KindTournament:
		if r.Tournament == nil {
			r.Tournament = &Tournament{}
		}
		r.List = nil
		r.Tournament.normalize()
	}
}

func (r *Record) Validate() error {
	if r.Schema > SchemaVersion {
		return invalid("schema", "unsupported schema %d", r.Schema)
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if r.HostID == "" {
		return invalid("hostId", "required")
	}
	if r.Version < 0 {
		return invalid("version", "must not be negative")
	}
	switch r.Kind {
	case KindList:
		if r.List == nil || r.Tournament != nil {
			return invalid("list", "list record must carry only list state")
		}
		return r.List.Validate()
	default:
		if r.Tournament == nil || r.List != nil {
			return invalid("tournament", "tournament record must carry only tournament state")
		}
		return r.Tournament.Validate()
	}
}

// CodeRef is the value stored under a join code.
type CodeRef struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// UserRecords is the read model for "records of user X".
type UserRecords struct {
	Hosting []*Record `json:"hosting"`
	Playing []*Record `json:"playing"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
