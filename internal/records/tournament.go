package records

import (
	"slices"

	"github.com/hashicorp/go-set/v3"
)

const (
	TournamentOpen     = "open"
	TournamentRunning  = "running"
	TournamentFinished = "finished"
)

// Tournament is a single-elimination bracket.
type Tournament struct {
	Players []string  `json:"players"`
	Pending []string  `json:"pending"`
	Rounds  [][]Match `json:"rounds"`
	Status  string    `json:"status"`
}

// Match with an empty B is a bye and is decided for A on creation.
type Match struct {
	A      string `json:"a"`
	B      string `json:"b,omitempty"`
	Winner string `json:"winner,omitempty"`
}

func (m Match) Bye() bool {
	return m.B == ""
}

func (t *Tournament) Clone() *Tournament {
	c := &Tournament{
		Players: slices.Clone(t.Players),
		Pending: slices.Clone(t.Pending),
		Rounds:  make([][]Match, len(t.Rounds)),
		Status:  t.Status,
	}
	for i, r := range t.Rounds {
		c.Rounds[i] = slices.Clone(r)
	}
	return c
}

func (t *Tournament) Members() []string {
	members := set.New[string](len(t.Players) + len(t.Pending))
	members.InsertSlice(t.Players)
	members.InsertSlice(t.Pending)
	out := members.Slice()
	slices.Sort(out)
	return out
}

func (t *Tournament) Join(player string) error {
	if t.Status != TournamentOpen {
		return invalid("status", "tournament is %s", t.Status)
	}
	if player == "" {
		return invalid("player", "required")
	}
	if !slices.Contains(t.Players, player) {
		t.Players = append(t.Players, player)
	}
	t.Pending = remove(t.Pending, player)
	return nil
}

// Request parks a player in pending until the host lets them join.
func (t *Tournament) Request(player string) error {
	if player == "" {
		return invalid("player", "required")
	}
	if !slices.Contains(t.Members(), player) {
		t.Pending = append(t.Pending, player)
	}
	return nil
}

func (t *Tournament) Leave(player string) error {
	if t.Status != TournamentOpen {
		return invalid("status", "cannot leave a %s tournament", t.Status)
	}
	t.Players = remove(t.Players, player)
	t.Pending = remove(t.Pending, player)
	return nil
}

// Start seeds round one from the players list order.
func (t *Tournament) Start() error {
	if t.Status != TournamentOpen {
		return invalid("status", "tournament is %s", t.Status)
	}
	if len(t.Players) < 2 {
		return invalid("players", "need at least 2 players, have %d", len(t.Players))
	}
	t.Rounds = [][]Match{pair(t.Players)}
	t.Status = TournamentRunning
	t.advance()
	return nil
}

func (t *Tournament) ReportMatch(round, match int, winner string) error {
	if t.Status != TournamentRunning {
		return invalid("status", "tournament is %s", t.Status)
	}
	if round < 0 || round >= len(t.Rounds) || match < 0 || match >= len(t.Rounds[round]) {
		return invalid("match", "no match %d in round %d", match, round)
	}
	if round != len(t.Rounds)-1 {
		return invalid("round", "round %d is already closed", round)
	}
	m := &t.Rounds[round][match]
	if winner != m.A && (m.Bye() || winner != m.B) {
		return invalid("winner", "%q is not in match %d", winner, match)
	}
	m.Winner = winner
	t.advance()
	return nil
}

// Winner returns the champion once the final has been decided.
func (t *Tournament) Winner() (string, bool) {
	if t.Status != TournamentFinished || len(t.Rounds) == 0 {
		return "", false
	}
	final := t.Rounds[len(t.Rounds)-1]
	return final[0].Winner, true
}

// advance opens the next round once every match of the current one is decided.
func (t *Tournament) advance() {
	for len(t.Rounds) > 0 {
		current := t.Rounds[len(t.Rounds)-1]
		winners := make([]string, 0, len(current))
		for _, m := range current {
			if m.Winner == "" {
				return
			}
			winners = append(winners, m.Winner)
		}
		if len(winners) == 1 {
			t.Status = TournamentFinished
			return
		}
		t.Rounds = append(t.Rounds, pair(winners))
	}
}

func pair(players []string) []Match {
	matches := make([]Match, 0, (len(players)+1)/2)
	for i := 0; i < len(players); i += 2 {
		if i+1 == len(players) {
			matches = append(matches, Match{A: players[i], Winner: players[i]})
			continue
		}
		matches = append(matches, Match{A: players[i], B: players[i+1]})
	}
	return matches
}

func (t *Tournament) normalize() {
	if t.Status == "" {
		t.Status = TournamentOpen
	}
	t.Players = nonNil(t.Players)
	t.Pending = nonNil(t.Pending)
	if t.Rounds == nil {
		t.Rounds = [][]Match{}
	}
}

func (t *Tournament) Validate() error {
	switch t.Status {
	case TournamentOpen, TournamentRunning, TournamentFinished:
	default:
		return invalid("status", "unknown status %q", t.Status)
	}
	players := set.New[string](len(t.Players))
	for _, p := range t.Players {
		if p == "" {
			return invalid("players", "empty player id")
		}
		if !players.Insert(p) {
			return invalid("players", "%q listed twice", p)
		}
	}
	for r, round := range t.Rounds {
		for i, m := range round {
			if !players.Contains(m.A) || (!m.Bye() && !players.Contains(m.B)) {
				return invalid("rounds", "round %d match %d references an unknown player", r, i)
			}
			if m.Winner != "" && m.Winner != m.A && m.Winner != m.B {
				return invalid("rounds", "round %d match %d winner is not a participant", r, i)
			}
		}
	}
	return nil
}
