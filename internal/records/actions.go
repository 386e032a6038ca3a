package records

import (
	"encoding/json"
	"strings"
)

// Action is a named mutation applied server-side through the versioned write
// path, for clients that do not want to send the whole record.
type Action struct {
	Op      string   `json:"op"`
	Player  string   `json:"player,omitempty"`
	Players []string `json:"players,omitempty"`
	Table   int      `json:"table,omitempty"`
	Winner  string   `json:"winner,omitempty"`
	Round   int      `json:"round,omitempty"`
	Match   int      `json:"match,omitempty"`
}

func ParseAction(data []byte) (*Action, error) {
	a := &Action{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, invalid("body", "malformed action: %v", err)
	}
	a.Op = strings.ToLower(strings.TrimSpace(a.Op))
	if a.Op == "" {
		return nil, invalid("op", "required")
	}
	return a, nil
}

func (a *Action) players() []string {
	if a.Player != "" {
		return append([]string{a.Player}, a.Players...)
	}
	return a.Players
}

// Apply mutates rec in place.
func (a *Action) Apply(rec *Record) error {
	switch rec.Kind {
	case KindList:
		return a.applyList(rec.List)
	case KindTournament:
		return a.applyTournament(rec.Tournament)
	}
	return invalid("kind", "unknown kind %q", rec.Kind)
}

func (a *Action) applyList(l *ListGame) error {
	if l == nil {
		return invalid("list", "missing list state")
	}
	switch a.Op {
	case "enqueue":
		if len(a.players()) == 0 {
			return invalid("players", "required")
		}
		l.Enqueue(a.players()...)
	case "request":
		for _, p := range a.players() {
			l.Request(p)
		}
	case "accept":
		for _, p := range a.players() {
			if err := l.Accept(p); err != nil {
				return err
			}
		}
	case "leave":
		for _, p := range a.players() {
			l.Leave(p)
		}
	case "finish":
		return l.FinishTable(a.Table, a.Winner)
	case "seat":
		l.AutoSeat()
	default:
		return invalid("op", "unknown list operation %q", a.Op)
	}
	return nil
}

func (a *Action) applyTournament(t *Tournament) error {
	if t == nil {
		return invalid("tournament", "missing tournament state")
	}
	switch a.Op {
	case "join":
		for _, p := range a.players() {
			if err := t.Join(p); err != nil {
				return err
			}
		}
	case "request":
		for _, p := range a.players() {
			if err := t.Request(p); err != nil {
				return err
			}
		}
	case "leave":
		for _, p := range a.players() {
			if err := t.Leave(p); err != nil {
				return err
			}
		}
	case "start":
		return t.Start()
	case "report":
		return t.ReportMatch(a.Round, a.Match, a.Winner)
	default:
		return invalid("op", "unknown tournament operation %q", a.Op)
	}
	return nil
}
