package kv

// Key layout shared by every backend:
//
//	t:<id>          tournament record
//	l:<id>          list record
//	tv:<id> lv:<id> version counters
//	code:<code>     code -> {kind, id}
//	tidx:p:<player> tidx:h:<host>  tournament index lists
//	lidx:p:<player> lidx:h:<host>  list index lists
const (
	TournamentPrefix = "t:"
	ListPrefix       = "l:"
	CodePrefix       = "code:"
)

// Namespace is the single-letter key namespace of a record kind ("t" or "l").
type Namespace string

const (
	TournamentNamespace Namespace = "t"
	ListNamespace       Namespace = "l"
)

func (n Namespace) RecordPrefix() string {
	return string(n) + ":"
}

func (n Namespace) RecordKey(id string) string {
	return string(n) + ":" + id
}

func (n Namespace) VersionKey(id string) string {
	return string(n) + "v:" + id
}

func (n Namespace) PlayerIndexKey(player string) string {
	return string(n) + "idx:p:" + player
}

func (n Namespace) HostIndexKey(host string) string {
	return string(n) + "idx:h:" + host
}

func CodeKey(code string) string {
	return CodePrefix + code
}
