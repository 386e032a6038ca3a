package records

import (
	"slices"

	"github.com/hashicorp/go-set/v3"
)

// ListGame is a rotation queue for shared tables.
type ListGame struct {
	Players []string `json:"players"`
	Queue   []string `json:"queue"`
	Pending []string `json:"pending"`
	Tables  []Table  `json:"tables"`
}

// Table is one playing slot group. A zero Capacity means one seat.
type Table struct {
	Capacity int      `json:"capacity,omitempty"`
	Seats    []string `json:"seats"`
}

func (t Table) capacity() int {
	if t.Capacity <= 0 {
		return 1
	}
	return t.Capacity
}

func (t Table) Full() bool {
	return len(t.Seats) >= t.capacity()
}

func (l *ListGame) Clone() *ListGame {
	c := &ListGame{
		Players: slices.Clone(l.Players),
		Queue:   slices.Clone(l.Queue),
		Pending: slices.Clone(l.Pending),
		Tables:  make([]Table, len(l.Tables)),
	}
	for i, t := range l.Tables {
		c.Tables[i] = Table{Capacity: t.Capacity, Seats: slices.Clone(t.Seats)}
	}
	return c
}

func (l *ListGame) Members() []string {
	members := set.New[string](len(l.Players) + len(l.Queue))
	members.InsertSlice(l.Players)
	members.InsertSlice(l.Queue)
	members.InsertSlice(l.Pending)
	for _, t := range l.Tables {
		members.InsertSlice(t.Seats)
	}
	out := members.Slice()
	slices.Sort(out)
	return out
}

func (l *ListGame) seated() *set.Set[string] {
	seated := set.New[string](len(l.Tables))
	for _, t := range l.Tables {
		seated.InsertSlice(t.Seats)
	}
	return seated
}

// SeatOf returns the table index the player sits at, or -1.
func (l *ListGame) SeatOf(player string) int {
	for i, t := range l.Tables {
		if slices.Contains(t.Seats, player) {
			return i
		}
	}
	return -1
}

func (l *ListGame) addPlayer(p string) {
	if !slices.Contains(l.Players, p) {
		l.Players = append(l.Players, p)
	}
}

// Enqueue appends players to the back of the queue, skipping anyone already
// queued or seated, then fills free seats.
func (l *ListGame) Enqueue(players ...string) {
	seated := l.seated()
	for _, p := range players {
		if p == "" || seated.Contains(p) || slices.Contains(l.Queue, p) {
			continue
		}
		l.Pending = remove(l.Pending, p)
		l.Queue = append(l.Queue, p)
		l.addPlayer(p)
	}
	l.AutoSeat()
}

// Request parks a player in pending until the host accepts them.
func (l *ListGame) Request(player string) {
	if player == "" || slices.Contains(l.Members(), player) {
		return
	}
	l.Pending = append(l.Pending, player)
}

func (l *ListGame) Accept(player string) error {
	if !slices.Contains(l.Pending, player) {
		return invalid("pending", "%q has not requested to join", player)
	}
	l.Enqueue(player)
	return nil
}

// AutoSeat fills every free seat, in table order, from the head of the queue.
func (l *ListGame) AutoSeat() {
	for i := range l.Tables {
		for !l.Tables[i].Full() && len(l.Queue) > 0 {
			next := l.Queue[0]
			l.Queue = l.Queue[1:]
			l.Tables[i].Seats = append(l.Tables[i].Seats, next)
		}
	}
}

// Leave removes the player from every membership list.
func (l *ListGame) Leave(player string) {
	l.Players = remove(l.Players, player)
	l.Queue = remove(l.Queue, player)
	l.Pending = remove(l.Pending, player)
	for i := range l.Tables {
		l.Tables[i].Seats = remove(l.Tables[i].Seats, player)
	}
	l.AutoSeat()
}

// FinishTable ends the game at a table. Everyone but the winner goes to the
// back of the queue; an empty winner clears the table.
func (l *ListGame) FinishTable(index int, winner string) error {
	if index < 0 || index >= len(l.Tables) {
		return invalid("table", "no table %d", index)
	}
	t := &l.Tables[index]
	if winner != "" && l.SeatOf(winner) != index {
		return invalid("winner", "%q is not seated at table %d", winner, index)
	}
	kept := []string{}
	for _, p := range t.Seats {
		if p == winner {
			kept = append(kept, p)
			continue
		}
		l.Queue = append(l.Queue, p)
	}
	t.Seats = kept
	l.AutoSeat()
	return nil
}

func (l *ListGame) normalize() {
	l.Players = nonNil(l.Players)
	l.Queue = nonNil(l.Queue)
	l.Pending = nonNil(l.Pending)
	if l.Tables == nil {
		l.Tables = []Table{}
	}
	for i := range l.Tables {
		l.Tables[i].Seats = nonNil(l.Tables[i].Seats)
		for _, p := range l.Tables[i].Seats {
			l.addPlayer(p)
		}
	}
	for _, p := range l.Queue {
		l.addPlayer(p)
	}
	l.AutoSeat()
}

func (l *ListGame) Validate() error {
	seen := set.New[string](8)
	for i, t := range l.Tables {
		if len(t.Seats) > t.capacity() {
			return invalid("tables", "table %d is over capacity", i)
		}
		for _, p := range t.Seats {
			if p == "" {
				return invalid("tables", "empty seat id at table %d", i)
			}
			if !seen.Insert(p) {
				return invalid("tables", "%q holds more than one seat", p)
			}
		}
	}
	queued := set.New[string](len(l.Queue))
	for _, p := range l.Queue {
		if p == "" {
			return invalid("queue", "empty player id")
		}
		if seen.Contains(p) {
			return invalid("queue", "%q is both queued and seated", p)
		}
		if !queued.Insert(p) {
			return invalid("queue", "%q is queued twice", p)
		}
	}
	for _, p := range l.Pending {
		if seen.Contains(p) || queued.Contains(p) {
			return invalid("pending", "%q is already in the game", p)
		}
	}
	players := set.New[string](len(l.Players))
	for _, p := range l.Players {
		if !players.Insert(p) {
			return invalid("players", "%q listed twice", p)
		}
	}
	for _, p := range append(seen.Slice(), queued.Slice()...) {
		if !players.Contains(p) {
			return invalid("players", "%q is queued or seated but not a player", p)
		}
	}
	return nil
}

func remove(list []string, item string) []string {
	return slices.DeleteFunc(list, func(s string) bool { return s == item })
}
